package actions

import "strings"

// Slugify lowers a name into the ASCII slug space used for package and
// action identities: letters and digits survive, runs of anything else
// collapse into single dashes. "My Cool Package" and "my_cool_package" both
// slug to "my-cool-package".
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	lastDash := true // suppress leading dashes
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	return strings.TrimRight(b.String(), "-")
}
