package telegraph

import (
	"fmt"
	"strings"
	"unicode"
)

// Command names, lowercased.
const (
	cmdStart  = "start"
	cmdGet    = "get"
	cmdGetAmd = "getamd"
	cmdHelp   = "help"
)

// Command is a slash command addressed to the bot.
type Command struct {
	Name string // lowercased, without the slash or @bot suffix
	Args string
	// ForOther is set for /cmd@otherbot, which must be ignored.
	ForOther bool
}

// parseCommand recognises "/cmd args", "/cmd@bot args" and "@bot /cmd args".
func parseCommand(text, botName string) (Command, bool) {
	t := strings.TrimSpace(text)
	handle := "@" + strings.ToLower(botName)
	if botName != "" && strings.HasPrefix(strings.ToLower(t), handle) {
		t = strings.TrimSpace(t[len(handle):])
	}
	if !strings.HasPrefix(t, "/") {
		return Command{}, false
	}

	head, args := t, ""
	if i := strings.IndexFunc(t, unicode.IsSpace); i != -1 {
		head, args = t[:i], t[i:]
	}
	name := strings.ToLower(head[1:])
	var cmd Command
	if at := strings.Index(name, "@"); at != -1 {
		cmd.ForOther = !strings.EqualFold(name[at+1:], botName)
		name = name[:at]
	}
	if name == "" {
		return Command{}, false
	}
	cmd.Name = name
	cmd.Args = strings.TrimSpace(args)
	return cmd, true
}

// tryInlineKeyboard invites users to try inline mode.
var tryInlineKeyboard = &InlineSwitch{Text: "Try inline mode", Query: "3:2"}

const botDescription = "This bot can fetch US Constitution passages from wikisource.org."

const (
	promptPassage   = "Which constitution passage do you want to look up?"
	promptAmendment = "Which amendment do you want to look up?"
	promptSection   = "Which section of Article %s do you want to look up?"
)

// commandList is the usage block shared by the welcome, help and
// unrecognised texts.
func commandList(bot string) string {
	return "/get <article>[:<section>]\n" +
		"/getAmd <number>\n" +
		"Examples:\n" +
		"/get 3:2\n" +
		"/getAmd 1\n" +
		"Inline mode:\n" +
		"@" + bot + " 3:2\n" +
		"@" + bot + " amd1"
}

func welcomeText(bot string, group bool, name string) string {
	var greeting string
	if group {
		greeting = fmt.Sprintf("Hello, friends in %s! Thanks for adding me in!", name)
	} else {
		greeting = fmt.Sprintf("Hello, %s! Welcome!", name)
	}
	return greeting + " " + botDescription +
		"\n\nTo get started, enter one of the following commands:\n" + commandList(bot)
}

func helpText(bot, name string) string {
	return fmt.Sprintf("Hi %s! Please enter one of the following commands:\n", name) +
		commandList(bot) +
		"\n\nEnjoy using Constitution Bot? Click the link below to rate it!\n" +
		"https://telegram.me/storebot?start=" + bot
}

func unrecognizedText(bot, name string) string {
	return fmt.Sprintf("Sorry %s, I could not understand that. Please enter one of the following commands:\n", name) +
		commandList(bot)
}

func remoteErrorText(name string) string {
	return fmt.Sprintf("Sorry %s, I'm having some difficulty accessing the site. Please try again later.", name)
}

func noResultsText(name string) string {
	return fmt.Sprintf("Sorry %s, no results were found. Please try again.", name)
}
