package dedup

import "strconv"

// Key builders shared by the HTTP handlers and the bot update path, so
// both routes suppress against the same records.

func WelcomeKey(userID int64) string {
	return "welcome_" + strconv.FormatInt(userID, 10)
}

func ReferralKey(referrerID, newUserID int64) string {
	return "referral_" + strconv.FormatInt(referrerID, 10) + "_" + strconv.FormatInt(newUserID, 10)
}
