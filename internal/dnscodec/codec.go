// Package dnscodec converts opaque payload bytes to and from DNS-legal
// names and record data. It is stateless: encoding is deterministic and
// decode(encode(x)) == x for every payload within the size budget.
//
// Payloads travel as hex, split into labels no longer than 62 characters.
// The answer-side representation depends on the record type: TXT carries a
// hex text blob, CNAME/MX carry an encoded name, A/AAAA carry the payload
// packed into fixed-width address bytes.
package dnscodec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DNS name construction limits.
const (
	// MaxLabelLength is the longest label the codec emits. The DNS limit is
	// 63 octets; one is kept spare so a server can prepend a sequence octet.
	MaxLabelLength = 62

	// MaxNameLength is the longest full query name the codec emits.
	MaxNameLength = 253
)

// WildcardPrefix is prepended to queries when no tunnel domain is configured
// (direct-to-server mode), so the remote endpoint can recognize tunnel
// traffic without owning a zone.
const WildcardPrefix = "dnscat"

// RecordType identifies a DNS record type the tunnel can ride on.
// Values match the DNS wire type codes.
type RecordType uint16

const (
	TypeA     RecordType = 1
	TypeCNAME RecordType = 5
	TypeMX    RecordType = 15
	TypeTXT   RecordType = 16
	TypeAAAA  RecordType = 28
)

// String returns the textual record type name.
func (t RecordType) String() string {
	switch t {
	case TypeA:
		return "A"
	case TypeCNAME:
		return "CNAME"
	case TypeMX:
		return "MX"
	case TypeTXT:
		return "TXT"
	case TypeAAAA:
		return "AAAA"
	default:
		return fmt.Sprintf("TYPE%d", uint16(t))
	}
}

// ParseRecordTypes parses a comma-separated type list ("TXT,CNAME,MX").
// "ANY" expands to the default rotation set.
func ParseRecordTypes(s string) ([]RecordType, error) {
	if strings.EqualFold(strings.TrimSpace(s), "ANY") {
		s = "TXT,CNAME,MX"
	}

	var types []RecordType
	for _, field := range strings.Split(s, ",") {
		switch strings.ToUpper(strings.TrimSpace(field)) {
		case "TXT", "TEXT":
			types = append(types, TypeTXT)
		case "CNAME":
			types = append(types, TypeCNAME)
		case "MX":
			types = append(types, TypeMX)
		case "A":
			types = append(types, TypeA)
		case "AAAA":
			types = append(types, TypeAAAA)
		case "":
		default:
			return nil, fmt.Errorf("unknown DNS record type %q", field)
		}
	}
	if len(types) == 0 {
		return nil, errors.New("no valid DNS record types specified")
	}
	return types, nil
}

// Answer is one resource record from a DNS response, reduced to the fields
// the codec needs. The driver converts library-specific records into this.
type Answer struct {
	Type RecordType
	Name string // CNAME/MX: the target name
	Text string // TXT: the joined text blob
	Addr []byte // A: 4 raw bytes; AAAA: 16 raw bytes
}

// Codec encodes payloads under a tunnel domain (or the wildcard prefix when
// the domain is empty) and decodes the corresponding answers.
type Codec struct {
	domain string
}

// New creates a codec for the given tunnel domain. An empty domain selects
// wildcard (direct-to-server) mode.
func New(domain string) *Codec {
	return &Codec{domain: strings.TrimSuffix(strings.ToLower(domain), ".")}
}

// MaxPayload returns the largest payload, in bytes, that one query can
// carry. The reply travels in a separate name (or record data) with its own
// 253-octet budget, so only this query's suffix counts against it.
func (c *Codec) MaxPayload() int {
	suffixLen := len(c.domain)
	if c.domain == "" {
		suffixLen = len(WildcardPrefix)
	}
	// Name characters left for the payload after the suffix and its dot.
	avail := MaxNameLength - suffixLen - 1
	// Hex doubles the payload, and every MaxLabelLength characters cost one
	// separator dot.
	return (avail - (avail/MaxLabelLength + 1)) / 2
}

// Encode converts a payload into a fully-qualified query name:
// hex labels under the tunnel domain, or behind the wildcard prefix when no
// domain is configured. Payloads exceeding MaxPayload are rejected.
func (c *Codec) Encode(payload []byte) (string, error) {
	if len(payload) > c.MaxPayload() {
		return "", fmt.Errorf("payload of %d bytes exceeds the %d-byte budget for this name", len(payload), c.MaxPayload())
	}

	var b NameBuilder
	if c.domain == "" {
		if err := b.AddLabel(WildcardPrefix); err != nil {
			return "", err
		}
	}

	encoded := hex.EncodeToString(payload)
	for len(encoded) > 0 {
		n := len(encoded)
		if n > MaxLabelLength {
			n = MaxLabelLength
		}
		if err := b.AddLabel(encoded[:n]); err != nil {
			return "", err
		}
		encoded = encoded[n:]
	}

	if c.domain != "" {
		if err := b.AddLabel(c.domain); err != nil {
			return "", err
		}
	}

	return b.String(), nil
}

// Decode extracts the payload from the answers of one DNS response.
// All answers must be of the queried record type; extra answer types that
// resolvers sometimes prepend (e.g. the CNAME chain before a TXT) should be
// filtered out by the caller.
func (c *Codec) Decode(t RecordType, answers []Answer) ([]byte, error) {
	if len(answers) == 0 {
		return nil, errors.New("response contains no answers")
	}

	switch t {
	case TypeTXT:
		return decodeHex(answers[0].Text)

	case TypeCNAME, TypeMX:
		name, ok := c.stripDomain(answers[0].Name)
		if !ok {
			return nil, fmt.Errorf("answer name %q is not under the tunnel domain", answers[0].Name)
		}
		return decodeHex(name)

	case TypeA:
		return decodeAddrs(answers, 4)

	case TypeAAAA:
		return decodeAddrs(answers, 16)

	default:
		return nil, fmt.Errorf("unsupported record type %s", t)
	}
}

// stripDomain removes the tunnel domain suffix (or the wildcard prefix) from
// an answer name, returning the encoded remainder.
func (c *Codec) stripDomain(name string) (string, bool) {
	name = strings.TrimSuffix(strings.ToLower(name), ".")

	if c.domain != "" {
		if name == c.domain || !strings.HasSuffix(name, "."+c.domain) {
			return "", false
		}
		return strings.TrimSuffix(name, "."+c.domain), true
	}

	if !strings.HasPrefix(name, WildcardPrefix+".") {
		return "", false
	}
	return strings.TrimPrefix(name, WildcardPrefix+"."), true
}

// decodeHex decodes a dotted hex string back to raw bytes.
func decodeHex(s string) ([]byte, error) {
	clean := strings.ReplaceAll(strings.TrimSuffix(s, "."), ".", "")
	payload, err := hex.DecodeString(strings.ToLower(clean))
	if err != nil {
		return nil, fmt.Errorf("answer is not valid hex: %w", err)
	}
	return payload, nil
}

// decodeAddrs reassembles a payload spread across fixed-width address
// records. The first octet of every address is its sequence number (the
// transport may deliver records in any order); the first payload octet of
// the reassembled stream is the total payload length.
func decodeAddrs(answers []Answer, width int) ([]byte, error) {
	records := make([]Answer, 0, len(answers))
	for _, a := range answers {
		if len(a.Addr) == width {
			records = append(records, a)
		}
	}
	if len(records) == 0 {
		return nil, errors.New("no usable address records in response")
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Addr[0] < records[j].Addr[0]
	})

	var buf []byte
	for _, a := range records {
		buf = append(buf, a.Addr[1:width]...)
	}

	length := int(buf[0])
	if length > len(buf)-1 {
		return nil, fmt.Errorf("address payload declares %d bytes but only %d are present", length, len(buf)-1)
	}
	return buf[1 : length+1], nil
}
