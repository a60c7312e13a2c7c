package protocol

import (
	"errors"
	"strings"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
)

// Packet is one line of the text protocol: TYPE|FIELD|FIELD...
type Packet struct {
	Type   string
	Fields []string // unescaped
}

// Field returns the i-th field or "" when absent.
func (p *Packet) Field(i int) string {
	if i < 0 || i >= len(p.Fields) {
		return ""
	}
	return p.Fields[i]
}

func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	parts := splitUnescaped(line, '|')
	if len(parts) < 1 || parts[0] == "" {
		return nil, ErrInvalidPacket
	}

	pkt := &Packet{
		Type: unescape(parts[0]),
	}
	for _, part := range parts[1:] {
		pkt.Fields = append(pkt.Fields, unescape(part))
	}

	return pkt, nil
}

// FormatPacket escapes every field separately and joins them with |.
func FormatPacket(pktType string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, Escape(pktType))

	for _, field := range fields {
		parts = append(parts, Escape(field))
	}

	return strings.Join(parts, "|") + "\n"
}

// splitUnescaped splits s on delimiter, skipping escaped delimiters.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}

		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteRune(r)
	}

	parts = append(parts, current.String())
	return parts
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for i, r := range s {
		if escape {
			switch r {
			case '|':
				result.WriteRune('|')
			case ',':
				result.WriteRune(',')
			case '\\':
				result.WriteRune('\\')
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				// unknown escape is kept verbatim
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}

		if r == '\\' && i < len(s)-1 {
			escape = true
			continue
		}

		result.WriteRune(r)
	}

	return result.String()
}

// Escape escapes the protocol's special characters.
func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case ',':
			result.WriteString("\\,")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}
