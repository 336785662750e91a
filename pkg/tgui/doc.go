// Package tgui builds the HTML text and inline keyboards of the admin
// screens: status cards, confirmation prompts and progress messages.
//
// Everything renders for ParseMode "HTML"; values of type H are already
// escaped.
package tgui
