package dnscodec

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNameTooLong is returned when adding a label would push the assembled
// name past MaxNameLength. Callers must treat this as an input-size error;
// the builder never truncates.
var ErrNameTooLong = errors.New("dnscodec: name exceeds the DNS length budget")

// NameBuilder assembles a DNS name label by label, enforcing the per-label
// and whole-name length limits. The zero value is an empty name.
type NameBuilder struct {
	labels []string
	length int // total length including separator dots
}

// AddLabel appends one label (a dotted label such as a domain counts each of
// its parts). Returns an error instead of silently truncating.
func (b *NameBuilder) AddLabel(label string) error {
	if label == "" {
		return errors.New("dnscodec: empty label")
	}

	for _, part := range strings.Split(label, ".") {
		if len(part) > MaxLabelLength+1 {
			return fmt.Errorf("dnscodec: label %q exceeds %d octets", part, MaxLabelLength+1)
		}
		newLength := b.length + len(part)
		if b.length > 0 {
			newLength++ // separator dot
		}
		if newLength > MaxNameLength {
			return ErrNameTooLong
		}
		b.labels = append(b.labels, part)
		b.length = newLength
	}
	return nil
}

// Len returns the current length of the assembled name.
func (b *NameBuilder) Len() int {
	return b.length
}

// String returns the assembled name.
func (b *NameBuilder) String() string {
	return strings.Join(b.labels, ".")
}
