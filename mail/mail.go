// Package mail holds the envelope of a message moving through processors: the
// sender, recipients, a reference to the message content, the processor state
// and an attribute bag for passing information between stages.
package mail

import (
	"log/slog"
	"maps"
	"net"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mjl-/mailet/smtp"
)

// Reserved processor names.
const (
	Root  = "root"  // Default entry processor.
	Error = "error" // Default error processor.
	Ghost = "ghost" // Terminal state, processing is done. Not a processor.
)

// AttrError is the attribute holding the error message of a failed stage.
const AttrError = "mailet.error"

// Mail is the envelope of a message being processed.
//
// A Mail is not safe for concurrent use. During a stage, the mailet operates on
// a view made with Split, which has its own recipients and attributes.
type Mail struct {
	Name       string         // Unique, for logging.
	Sender     *smtp.Address  // Nil for the null reverse path.
	Recipients []smtp.Address // In order.
	Content    Content
	State      string // Processor name, or Ghost.

	RemoteIP   net.IP
	RemoteHost string

	Err         error // Set when a stage failed.
	LastUpdated time.Time

	attrs map[string]any

	// For views, the attributes set or removed on the view. Nil for mails that
	// are not views.
	changed map[string]struct{}
}

// New returns a mail in state Root with a new unique name.
func New(sender *smtp.Address, recipients []smtp.Address, content Content) *Mail {
	return &Mail{
		Name:        uuid.NewString(),
		Sender:      sender,
		Recipients:  recipients,
		Content:     content,
		State:       Root,
		LastUpdated: time.Now(),
	}
}

// Attribute returns the value of attribute name and whether it is present.
func (m *Mail) Attribute(name string) (any, bool) {
	v, ok := m.attrs[name]
	return v, ok
}

// AttributeString returns the attribute value if it is a string, or an empty
// string otherwise.
func (m *Mail) AttributeString(name string) string {
	s, _ := m.attrs[name].(string)
	return s
}

// SetAttribute sets attribute name to v, replacing an existing value.
//
// Views get copies of slice and map values of the common types ([]byte,
// []string, []any, map[string]string, map[string]any). Values of other types
// are shared between views and must not be modified after they are set.
func (m *Mail) SetAttribute(name string, v any) {
	if m.attrs == nil {
		m.attrs = map[string]any{}
	}
	m.attrs[name] = v
	m.change(name)
}

// RemoveAttribute removes attribute name, if present.
func (m *Mail) RemoveAttribute(name string) {
	delete(m.attrs, name)
	m.change(name)
}

// RemoveAllAttributes removes all attributes.
func (m *Mail) RemoveAllAttributes() {
	for k := range m.attrs {
		m.change(k)
	}
	m.attrs = nil
}

// AttributeNames returns the names of all attributes, sorted.
func (m *Mail) AttributeNames() []string {
	return slices.Sorted(maps.Keys(m.attrs))
}

func (m *Mail) change(name string) {
	if m.changed != nil {
		m.changed[name] = struct{}{}
	}
}

// LogAttr returns an attribute for logging the mail, with its name and state.
func (m *Mail) LogAttr() slog.Attr {
	return slog.Group("mail", slog.String("name", m.Name), slog.String("state", m.State))
}

// Split returns two views of m: one with the matched recipients and one with
// the remaining recipients. Both share content and state with m and have their
// own copy of the attributes. Changes are applied to m with Merge.
func (m *Mail) Split(matched []smtp.Address) (matchedView, unmatchedView *Mail) {
	var rest []smtp.Address
	for _, r := range m.Recipients {
		if !containsAddress(matched, r) {
			rest = append(rest, r)
		}
	}
	return m.view(slices.Clone(matched)), m.view(rest)
}

// Partition splits recipients into at most n groups, each a view of m like
// Split returns, preserving order. The groups are disjoint and together hold
// all recipients.
func (m *Mail) Partition(recipients []smtp.Address, n int) []*Mail {
	if n > len(recipients) {
		n = len(recipients)
	}
	if n < 1 {
		n = 1
	}
	groups := make([]*Mail, 0, n)
	size := len(recipients) / n
	extra := len(recipients) % n
	o := 0
	for i := 0; i < n; i++ {
		k := size
		if i < extra {
			k++
		}
		groups = append(groups, m.view(slices.Clone(recipients[o:o+k])))
		o += k
	}
	return groups
}

func (m *Mail) view(recipients []smtp.Address) *Mail {
	v := *m
	v.Recipients = recipients
	v.attrs = cloneAttrs(m.attrs)
	v.changed = map[string]struct{}{}
	return &v
}

// Merge applies the changes of the matched views to m after a stage.
//
// Recipients of m that are still present in a view keep their position.
// Recipients added by the views follow, in view order, without duplicates.
// Attributes are those of the unmatched view, with the attributes set or
// removed on the matched views applied in order, a later view overriding an
// earlier one. State, content and error are taken from the first matched view
// that changed them.
func (m *Mail) Merge(unmatched *Mail, matched ...*Mail) {
	views := append([]*Mail{unmatched}, matched...)
	var recipients []smtp.Address
	for _, r := range m.Recipients {
		for _, v := range views {
			if containsAddress(v.Recipients, r) {
				if !containsAddress(recipients, r) {
					recipients = append(recipients, r)
				}
				break
			}
		}
	}
	added := func(l []smtp.Address) {
		for _, r := range l {
			if !containsAddress(m.Recipients, r) && !containsAddress(recipients, r) {
				recipients = append(recipients, r)
			}
		}
	}
	for _, v := range matched {
		added(v.Recipients)
	}
	added(unmatched.Recipients)

	attrs := maps.Clone(unmatched.attrs)
	for _, v := range matched {
		for k := range v.changed {
			if x, ok := v.attrs[k]; ok {
				if attrs == nil {
					attrs = map[string]any{}
				}
				attrs[k] = x
			} else {
				delete(attrs, k)
			}
		}
	}

	state, content, err := m.State, m.Content, m.Err
	var stateSet, contentSet, errSet bool
	for _, v := range matched {
		if !stateSet && v.State != m.State {
			state, stateSet = v.State, true
		}
		if !contentSet && v.Content != m.Content {
			content, contentSet = v.Content, true
		}
		if !errSet && v.Err != m.Err {
			err, errSet = v.Err, true
		}
	}

	m.Recipients = recipients
	m.attrs = attrs
	m.State = state
	m.Content = content
	m.Err = err
	m.LastUpdated = time.Now()
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	r := make(map[string]any, len(attrs))
	for k, v := range attrs {
		r[k] = cloneValue(v)
	}
	return r
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return slices.Clone(x)
	case []string:
		return slices.Clone(x)
	case []any:
		if x == nil {
			return x
		}
		l := make([]any, len(x))
		for i, e := range x {
			l[i] = cloneValue(e)
		}
		return l
	case map[string]string:
		return maps.Clone(x)
	case map[string]any:
		return cloneAttrs(x)
	}
	return v
}

func containsAddress(l []smtp.Address, a smtp.Address) bool {
	return slices.ContainsFunc(l, a.Equal)
}
