// Package notification delivers notifications taken from the queue to their
// recipients over email and Bitrix24.
//
// A Notification lists one or more contacts. The Dispatcher picks a Sender for
// each contact by asking every configured sender whether it Supports the
// contact, and the notification's Strategy decides whether one reached contact
// is enough or all of them have to succeed.
package notification
