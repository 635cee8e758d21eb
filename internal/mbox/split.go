// Package mbox splits MBOX byte streams into individual messages.
//
// Split is a pure, stateless function suitable for queue-driven
// chunk-at-a-time processing: a caller owns carryover persistence (the
// trailing partial message left over at a chunk boundary) and feeds it back
// in on the next call via buf's prefix.
//
// We support typical mboxo/mboxrd exports where each message is preceded by
// a Unix "From " separator line. Body lines that begin with "From " (or
// with one or more leading '>' followed by "From ") are commonly escaped in
// the file by prefixing an additional '>' (mboxrd). unescapeFromBytes
// reverses that escaping when assembling message bytes.
package mbox

import "bytes"

var fromPrefix = []byte("From ")

// Split locates MBOX message boundaries in buf and returns the complete
// messages found, plus any trailing bytes that do not yet form a complete
// message (carryover). On the last chunk (isLastChunk true), there is no
// carryover: the final message runs to the end of buf.
//
// A boundary is a line that begins with the literal "From " whose remainder
// contains "@" or " at ", which disambiguates an envelope separator line
// from body text that happens to start with "From ". Each returned message
// has its envelope line stripped (everything up to and including the first
// LF after the separator).
func Split(buf []byte, isLastChunk bool) (messages [][]byte, carryover []byte) {
	offsets := boundaryOffsets(buf)

	if len(offsets) == 0 {
		if isLastChunk {
			return nil, nil
		}
		return nil, buf
	}

	for i := 0; i < len(offsets); i++ {
		start := offsets[i]
		var end int
		if i+1 < len(offsets) {
			end = offsets[i+1]
		} else {
			if !isLastChunk {
				break
			}
			end = len(buf)
		}
		messages = append(messages, stripEnvelopeLine(buf[start:end]))
	}

	if isLastChunk {
		return messages, nil
	}

	return messages, buf[offsets[len(offsets)-1]:]
}

// boundaryOffsets returns the byte offset of every line in buf that starts
// a new MBOX message.
func boundaryOffsets(buf []byte) []int {
	var offsets []int
	lineStart := 0
	for lineStart <= len(buf) {
		nl := bytes.IndexByte(buf[lineStart:], '\n')
		var line []byte
		if nl < 0 {
			line = buf[lineStart:]
		} else {
			line = buf[lineStart : lineStart+nl]
		}
		if isEnvelopeLine(line) {
			offsets = append(offsets, lineStart)
		}
		if nl < 0 {
			break
		}
		lineStart += nl + 1
	}
	return offsets
}

// isEnvelopeLine reports whether line (without its trailing newline) is an
// MBOX "From " separator line: it begins with the literal "From " and its
// remainder contains "@" or " at ".
func isEnvelopeLine(line []byte) bool {
	if !bytes.HasPrefix(line, fromPrefix) {
		return false
	}
	remainder := line[len(fromPrefix):]
	return bytes.Contains(remainder, []byte("@")) || bytes.Contains(remainder, []byte(" at "))
}

// stripEnvelopeLine removes the "From " separator line (up to and
// including its first LF) from the start of msg, unescaping any mboxrd
// ">From " quoting in the remaining body lines.
func stripEnvelopeLine(msg []byte) []byte {
	nl := bytes.IndexByte(msg, '\n')
	var body []byte
	if nl < 0 {
		body = nil
	} else {
		body = msg[nl+1:]
	}
	return unescapeFromLines(body)
}

// unescapeFromLines reverses mboxrd ">From " escaping line by line.
func unescapeFromLines(raw []byte) []byte {
	if !bytes.Contains(raw, []byte("\n>")) && !bytes.HasPrefix(raw, []byte(">")) {
		return raw
	}

	var out bytes.Buffer
	out.Grow(len(raw))

	lineStart := 0
	for lineStart <= len(raw) {
		nl := bytes.IndexByte(raw[lineStart:], '\n')
		var line []byte
		if nl < 0 {
			line = raw[lineStart:]
		} else {
			line = raw[lineStart : lineStart+nl+1]
		}
		out.Write(unescapeFromBytes(line))
		if nl < 0 {
			break
		}
		lineStart += nl + 1
	}
	return out.Bytes()
}

// unescapeFromBytes removes a single leading '>' from any line that matches
// ^>+From  (mboxrd unquoting). This also works for mboxo where only
// ">From " appears for originally "From " lines.
func unescapeFromBytes(line []byte) []byte {
	if len(line) == 0 || line[0] != '>' {
		return line
	}

	i := 0
	for i < len(line) && line[i] == '>' {
		i++
	}
	if i < len(line) && bytes.HasPrefix(line[i:], fromPrefix) {
		return line[1:]
	}
	return line
}
