package notion

import (
	"strconv"
	"strings"

	"github.com/jomei/notionapi"
)

// richText wraps plain text in a single rich-text run.
func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{{
		Type:      notionapi.ObjectTypeText,
		Text:      &notionapi.Text{Content: s},
		PlainText: s,
	}}
}

func plain(runs []notionapi.RichText) string {
	var b strings.Builder
	for _, r := range runs {
		if r.PlainText != "" {
			b.WriteString(r.PlainText)
		} else if r.Text != nil {
			b.WriteString(r.Text.Content)
		}
	}
	return b.String()
}

// PlainValue renders a page property as text. Unsupported property kinds
// yield "".
func PlainValue(p notionapi.Property) string {
	switch v := p.(type) {
	case *notionapi.TitleProperty:
		return plain(v.Title)
	case *notionapi.RichTextProperty:
		return plain(v.RichText)
	case *notionapi.EmailProperty:
		return v.Email
	case *notionapi.PhoneNumberProperty:
		return v.PhoneNumber
	case *notionapi.URLProperty:
		return v.URL
	case *notionapi.NumberProperty:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case *notionapi.SelectProperty:
		return v.Select.Name
	case *notionapi.StatusProperty:
		return v.Status.Name
	default:
		return ""
	}
}

// PlainProperties flattens a page's properties into name -> text.
func PlainProperties(props notionapi.Properties) map[string]any {
	out := make(map[string]any, len(props))
	for name, p := range props {
		if s := PlainValue(p); s != "" {
			out[name] = s
		}
	}
	return out
}

// BuildProperty builds a writable property of the given database column
// type. ok is false for column types that cannot be set from text or for
// values that do not parse.
func BuildProperty(kind notionapi.PropertyConfigType, value string) (prop notionapi.Property, ok bool) {
	switch kind {
	case notionapi.PropertyConfigTypeTitle:
		return notionapi.TitleProperty{Type: notionapi.PropertyTypeTitle, Title: richText(value)}, true
	case notionapi.PropertyConfigTypeRichText:
		return notionapi.RichTextProperty{Type: notionapi.PropertyTypeRichText, RichText: richText(value)}, true
	case notionapi.PropertyConfigTypeEmail:
		return notionapi.EmailProperty{Type: notionapi.PropertyTypeEmail, Email: value}, true
	case notionapi.PropertyConfigTypePhoneNumber:
		return notionapi.PhoneNumberProperty{Type: notionapi.PropertyTypePhoneNumber, PhoneNumber: value}, true
	case notionapi.PropertyConfigTypeURL:
		return notionapi.URLProperty{Type: notionapi.PropertyTypeURL, URL: value}, true
	case notionapi.PropertyConfigTypeNumber:
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, false
		}
		return notionapi.NumberProperty{Type: notionapi.PropertyTypeNumber, Number: n}, true
	case notionapi.PropertyConfigTypeSelect:
		return notionapi.SelectProperty{Type: notionapi.PropertyTypeSelect, Select: notionapi.Option{Name: value}}, true
	default:
		return nil, false
	}
}

// Schema maps a database's column names to their types.
func Schema(db *notionapi.Database) map[string]notionapi.PropertyConfigType {
	out := make(map[string]notionapi.PropertyConfigType, len(db.Properties))
	for name, cfg := range db.Properties {
		if cfg == nil {
			continue
		}
		out[name] = cfg.GetType()
	}
	return out
}
