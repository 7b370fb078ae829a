// ABOUTME: Conversion between People API persons and remote-keyed field maps
// ABOUTME: Phone numbers are keyed by type using the subtype delimiter
package google

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/api/people/v1"

	"github.com/harperreed/contactsync/mapping"
	"github.com/harperreed/contactsync/models"
)

// personToRemote flattens the primary value of each supported field group.
func personToRemote(p *people.Person) map[string]any {
	out := make(map[string]any)
	if len(p.EmailAddresses) > 0 && p.EmailAddresses[0].Value != "" {
		out[KeyEmail] = p.EmailAddresses[0].Value
	}
	if len(p.Names) > 0 {
		n := p.Names[0]
		name := n.UnstructuredName
		if name == "" {
			name = n.DisplayName
		}
		if name == "" {
			name = strings.TrimSpace(n.GivenName + " " + n.FamilyName)
		}
		if name != "" {
			out[KeyName] = name
		}
	}
	for _, ph := range p.PhoneNumbers {
		if ph.Value == "" {
			continue
		}
		key := mapping.RemoteKey(models.FieldMapping{RemoteKey: KeyPhone, Subtype: strings.ToLower(ph.Type)})
		if _, seen := out[key]; !seen {
			out[key] = ph.Value
		}
	}
	if len(p.Organizations) > 0 {
		org := p.Organizations[0]
		if org.Name != "" {
			out[KeyOrganization] = org.Name
		}
		if org.Title != "" {
			out[KeyTitle] = org.Title
		}
	}
	if len(p.Biographies) > 0 && p.Biographies[0].Value != "" {
		out[KeyBiography] = p.Biographies[0].Value
	}
	return out
}

// applyFields writes remote-keyed values onto p and returns the sorted list of
// person field groups it touched.
func applyFields(p *people.Person, fields map[string]any) []string {
	touched := make(map[string]bool)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := stringValue(fields[key])
		base, subtype := mapping.SplitRemoteKey(key)
		switch base {
		case KeyEmail:
			if len(p.EmailAddresses) == 0 {
				p.EmailAddresses = []*people.EmailAddress{{}}
			}
			p.EmailAddresses[0].Value = value
			touched["emailAddresses"] = true
		case KeyName:
			p.Names = []*people.Name{{UnstructuredName: value}}
			touched["names"] = true
		case KeyPhone:
			setPhone(p, subtype, value)
			touched["phoneNumbers"] = true
		case KeyOrganization, KeyTitle:
			if len(p.Organizations) == 0 {
				p.Organizations = []*people.Organization{{}}
			}
			if base == KeyOrganization {
				p.Organizations[0].Name = value
			} else {
				p.Organizations[0].Title = value
			}
			touched["organizations"] = true
		case KeyBiography:
			p.Biographies = []*people.Biography{{Value: value, ContentType: "TEXT_PLAIN"}}
			touched["biographies"] = true
		}
	}

	out := make([]string, 0, len(touched))
	for f := range touched {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func setPhone(p *people.Person, subtype, value string) {
	for _, ph := range p.PhoneNumbers {
		if strings.EqualFold(ph.Type, subtype) {
			ph.Value = value
			return
		}
	}
	p.PhoneNumbers = append(p.PhoneNumbers, &people.PhoneNumber{Value: value, Type: subtype})
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
