package server

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const (
	noticeJoined    = "presence.joined"
	noticeLeft      = "presence.left"
	noticeAnonymous = "presence.anonymous"
)

var noticeLocales = []language.Tag{language.AmericanEnglish, language.BrazilianPortuguese}

var noticeMessages = map[language.Tag]map[string]string{
	language.AmericanEnglish: {
		noticeJoined:    "%s joined the table",
		noticeLeft:      "%s left the table",
		noticeAnonymous: "A guest",
	},
	language.BrazilianPortuguese: {
		noticeJoined:    "%s entrou na mesa",
		noticeLeft:      "%s saiu da mesa",
		noticeAnonymous: "Um convidado",
	},
}

// notices renders presence notices in one locale.
type notices struct {
	printer *message.Printer
}

func newNotices(locale string) (*notices, error) {
	builder := catalog.NewBuilder(catalog.Fallback(language.AmericanEnglish))
	for tag, messages := range noticeMessages {
		for key, text := range messages {
			if err := builder.SetString(tag, key, text); err != nil {
				return nil, err
			}
		}
	}
	return &notices{printer: message.NewPrinter(matchLocale(locale), message.Catalog(builder))}, nil
}

// matchLocale picks the closest supported locale, defaulting to en-US.
func matchLocale(locale string) language.Tag {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return language.AmericanEnglish
	}
	tags, _, err := language.ParseAcceptLanguage(locale)
	if err != nil || len(tags) == 0 {
		return language.AmericanEnglish
	}
	_, index, confidence := language.NewMatcher(noticeLocales).Match(tags...)
	if confidence == language.No {
		return language.AmericanEnglish
	}
	return noticeLocales[index]
}

func (n *notices) joined(name string) string {
	return n.printer.Sprintf(noticeJoined, n.displayName(name))
}

func (n *notices) left(name string) string {
	return n.printer.Sprintf(noticeLeft, n.displayName(name))
}

func (n *notices) displayName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return n.printer.Sprintf(noticeAnonymous)
}
