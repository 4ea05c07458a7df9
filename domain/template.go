package domain

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Template maps an event type to human-readable title and content text.
// Positional arguments come from the event's own payload.
type Template struct {
	Title   string
	Content string
}

var templates = map[string]Template{
	RoleUpdated:      {"Your role has changed.", "Your role changed from [%s] to [%s]."},
	FeedLiked:        {"%s liked your feed.", "%s"},
	FeedCreated:      {"%s posted a new feed.", "%s"},
	CommentCreated:   {"%s commented on your feed.", "%s"},
	FollowCreated:    {"%s started following you.", ""},
	DmReceived:       {"[DM] %s", "%s"},
	AttributeCreated: {"A new clothes attribute was added.", "Try adding the [%s] attribute to your clothes."},
	AttributeUpdated: {"A clothes attribute was changed.", "Check out the [%s] attribute."},
}

// ErrUnknownEventType is returned when an event's type tag has no template.
var ErrUnknownEventType = errors.New("unknown event type")

// Render produces the notification title and content for an event by
// substituting the event's payload arguments into its template. It is a
// pure function over the event variant; adding an event kind means adding
// a payload struct, a template row and an args case here, nothing else.
func Render(ev Event) (title, content string, err error) {
	tmpl, ok := templates[ev.Type]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	args, err := templateArgs(ev)
	if err != nil {
		return "", "", err
	}
	return sprintf(tmpl.Title, args), sprintf(tmpl.Content, args), nil
}

func templateArgs(ev Event) ([]any, error) {
	switch ev.Type {
	case RoleUpdated:
		var d RoleUpdatedData
		if err := sonic.Unmarshal(ev.Data, &d); err != nil {
			return nil, err
		}
		return []any{d.OldRole, d.NewRole}, nil
	case FeedLiked:
		var d FeedLikedData
		if err := sonic.Unmarshal(ev.Data, &d); err != nil {
			return nil, err
		}
		return []any{d.LikerName, d.FeedContent}, nil
	case FeedCreated:
		var d FeedCreatedData
		if err := sonic.Unmarshal(ev.Data, &d); err != nil {
			return nil, err
		}
		return []any{d.AuthorName, d.Content}, nil
	case CommentCreated:
		var d CommentCreatedData
		if err := sonic.Unmarshal(ev.Data, &d); err != nil {
			return nil, err
		}
		return []any{d.AuthorName, d.Content}, nil
	case FollowCreated:
		var d FollowCreatedData
		if err := sonic.Unmarshal(ev.Data, &d); err != nil {
			return nil, err
		}
		return []any{d.FollowerName}, nil
	case DmReceived:
		var d DirectMessageData
		if err := sonic.Unmarshal(ev.Data, &d); err != nil {
			return nil, err
		}
		return []any{d.SenderName, d.Content}, nil
	case AttributeCreated, AttributeUpdated:
		var d AttributeData
		if err := sonic.Unmarshal(ev.Data, &d); err != nil {
			return nil, err
		}
		return []any{d.Name}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
}

// sprintf formats with only as many args as the template consumes, so a
// template that ignores trailing args does not render "%!(EXTRA ...)".
func sprintf(format string, args []any) string {
	n := countVerbs(format)
	if n > len(args) {
		n = len(args)
	}
	return fmt.Sprintf(format, args[:n]...)
}

func countVerbs(format string) int {
	count := 0
	for i := 0; i < len(format)-1; i++ {
		if format[i] == '%' {
			if format[i+1] == '%' {
				i++
				continue
			}
			count++
		}
	}
	return count
}
