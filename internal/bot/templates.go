package bot

import (
	"fmt"
	"html"
)

func welcomeText(firstName string, hasReferrer bool) string {
	name := html.EscapeString(firstName)
	if name == "" {
		name = "there"
	}
	base := fmt.Sprintf(
		"👋 Hi <b>%s</b>, welcome aboard!\n\n"+
			"Open the app to set up your profile and start exploring. "+
			"Your progress syncs automatically.",
		name,
	)
	if hasReferrer {
		base += "\n\n🎁 You joined through a friend's invite, so the welcome bonus has been added to both of you."
	}
	return base
}

func referralText(newUser UserInfo) string {
	who := "A new user"
	if newUser.Username != "" {
		who = "@" + html.EscapeString(newUser.Username)
	} else if newUser.FirstName != "" {
		who = html.EscapeString(newUser.FirstName)
	}
	return fmt.Sprintf(
		"🎉 %s just joined using your invite link!\n\n"+
			"Your referral bonus is on its way.",
		who,
	)
}
