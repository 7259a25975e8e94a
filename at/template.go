// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package at

import (
	"fmt"
	"strconv"
	"strings"
)

// Recv templates are scanf-style: literal text interspersed with verbs of
// the form %[*][width]verb, where verb is one of:
//
//	d    decimal integer (optionally signed)
//	x    hexadecimal integer
//	s    greedy run of non-whitespace characters
//	[^c] greedy run of characters other than those in c
//
// A leading '*' discards the match instead of capturing it into the next
// out parameter. A length modifier (h, hh, l) between the width and the
// verb is accepted and ignored, matching the C varargs templates this
// format is borrowed from (e.g. "%hhd", "%hhx").
//
// A template may span more than one line by embedding a literal "\r\n",
// as the device does for multi-line status replies such as "OK\r\nready".

type segKind int

const (
	segLiteral segKind = iota
	segNumber
	segString
	segBracket
)

type segment struct {
	kind  segKind
	text  string // segLiteral
	hex   bool   // segNumber
	width int    // segNumber, segString, segBracket: 0 means unbounded
	skip  bool   // segNumber, segString, segBracket
	set   string // segBracket: the excluded character set
}

// compileTemplate splits a (possibly multi-line) template into one segment
// list per line.
func compileTemplate(tpl string) ([][]segment, error) {
	lines := strings.Split(tpl, "\r\n")
	out := make([][]segment, len(lines))
	for i, l := range lines {
		segs, err := compileLine(l)
		if err != nil {
			return nil, err
		}
		out[i] = segs
	}
	return out, nil
}

func compileLine(tpl string) ([]segment, error) {
	var segs []segment
	pos := 0
	for pos < len(tpl) {
		if tpl[pos] != '%' {
			start := pos
			for pos < len(tpl) && tpl[pos] != '%' {
				pos++
			}
			segs = append(segs, segment{kind: segLiteral, text: tpl[start:pos]})
			continue
		}
		pos++ // consume '%'
		if pos >= len(tpl) {
			return nil, fmt.Errorf("at: dangling %%%% in template %q", tpl)
		}
		if tpl[pos] == '%' {
			segs = append(segs, segment{kind: segLiteral, text: "%"})
			pos++
			continue
		}
		skip := false
		if tpl[pos] == '*' {
			skip = true
			pos++
		}
		width := 0
		for pos < len(tpl) && tpl[pos] >= '0' && tpl[pos] <= '9' {
			width = width*10 + int(tpl[pos]-'0')
			pos++
		}
		for pos < len(tpl) && (tpl[pos] == 'h' || tpl[pos] == 'l') {
			pos++
		}
		if pos >= len(tpl) {
			return nil, fmt.Errorf("at: truncated verb in template %q", tpl)
		}
		switch tpl[pos] {
		case 'd', 'x':
			segs = append(segs, segment{kind: segNumber, hex: tpl[pos] == 'x', width: width, skip: skip})
			pos++
		case 's':
			segs = append(segs, segment{kind: segString, width: width, skip: skip})
			pos++
		case '[':
			pos++
			if pos < len(tpl) && tpl[pos] == '^' {
				pos++
			}
			setStart := pos
			for pos < len(tpl) && tpl[pos] != ']' {
				pos++
			}
			if pos >= len(tpl) {
				return nil, fmt.Errorf("at: unterminated [] in template %q", tpl)
			}
			segs = append(segs, segment{kind: segBracket, set: tpl[setStart:pos], width: width, skip: skip})
			pos++ // consume ']'
		default:
			return nil, fmt.Errorf("at: unsupported verb %%%c in template %q", tpl[pos], tpl)
		}
	}
	return segs, nil
}

// Scan matches a single already-extracted line against a scanf-style
// template, the same dialect Recv accepts, filling outs in order. It is
// exposed for callers that parse a line they've already pulled off an
// OOBContext rather than awaiting it through Recv.
func Scan(line, template string, outs ...interface{}) bool {
	segs, err := compileLine(template)
	if err != nil {
		return false
	}
	outIdx := 0
	return matchLine(line, segs, outs, &outIdx)
}

// matchLine attempts to match line against segs, consuming outs in order
// starting at *outIdx. It returns false on mismatch; out parameters for
// verbs matched before the mismatch have already been assigned and
// *outIdx advanced past them.
func matchLine(line string, segs []segment, outs []interface{}, outIdx *int) bool {
	pos := 0
	for _, seg := range segs {
		switch seg.kind {
		case segLiteral:
			if !strings.HasPrefix(line[pos:], seg.text) {
				return false
			}
			pos += len(seg.text)
		case segNumber:
			start := pos
			if pos < len(line) && (line[pos] == '-' || line[pos] == '+') {
				pos++
			}
			digitEnd := pos
			for digitEnd < len(line) && isNumeralDigit(line[digitEnd], seg.hex) {
				if seg.width > 0 && digitEnd-start >= seg.width {
					break
				}
				digitEnd++
			}
			if digitEnd == pos {
				return false
			}
			tok := line[start:digitEnd]
			pos = digitEnd
			if !seg.skip {
				if *outIdx >= len(outs) {
					return false
				}
				if err := assignNumber(outs[*outIdx], tok, seg.hex); err != nil {
					return false
				}
				*outIdx++
			}
		case segString:
			start := pos
			for pos < len(line) && line[pos] != ' ' && line[pos] != '\t' {
				if seg.width > 0 && pos-start >= seg.width {
					break
				}
				pos++
			}
			if !seg.skip {
				if *outIdx >= len(outs) {
					return false
				}
				if err := assignString(outs[*outIdx], line[start:pos]); err != nil {
					return false
				}
				*outIdx++
			}
		case segBracket:
			start := pos
			for pos < len(line) && !strings.ContainsRune(seg.set, rune(line[pos])) {
				if seg.width > 0 && pos-start >= seg.width {
					break
				}
				pos++
			}
			if !seg.skip {
				if *outIdx >= len(outs) {
					return false
				}
				if err := assignString(outs[*outIdx], line[start:pos]); err != nil {
					return false
				}
				*outIdx++
			}
		}
	}
	return true
}

func isNumeralDigit(b byte, hex bool) bool {
	if b >= '0' && b <= '9' {
		return true
	}
	if hex && ((b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')) {
		return true
	}
	return false
}

func assignString(out interface{}, s string) error {
	p, ok := out.(*string)
	if !ok {
		return fmt.Errorf("at: out parameter is %T, want *string", out)
	}
	*p = s
	return nil
}

func assignNumber(out interface{}, tok string, hex bool) error {
	base := 10
	if hex {
		base = 16
	}
	switch p := out.(type) {
	case *int:
		v, err := strconv.ParseInt(tok, base, 64)
		if err != nil {
			return err
		}
		*p = int(v)
	case *int64:
		v, err := strconv.ParseInt(tok, base, 64)
		if err != nil {
			return err
		}
		*p = v
	case *int8:
		v, err := strconv.ParseInt(tok, base, 8)
		if err != nil {
			return err
		}
		*p = int8(v)
	case *uint8:
		v, err := strconv.ParseUint(tok, base, 8)
		if err != nil {
			return err
		}
		*p = uint8(v)
	case *string:
		*p = tok
	default:
		return fmt.Errorf("at: out parameter is %T, unsupported for numeric verb", out)
	}
	return nil
}
