package mbox

import (
	"bytes"
	"testing"
)

func msg(fromLine, body string) string {
	return fromLine + "\n" + body
}

func TestSplitSingleChunkTwoMessages(t *testing.T) {
	buf := []byte(
		msg("From alice@example.com Mon Jan  1 00:00:00 2024", "Subject: hi\r\n\r\nbody one\n") +
			msg("From bob@example.com Mon Jan  1 00:01:00 2024", "Subject: yo\r\n\r\nbody two\n"),
	)

	messages, carryover := Split(buf, true)
	if carryover != nil {
		t.Fatalf("carryover = %q, want nil on last chunk", carryover)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if !bytes.Contains(messages[0], []byte("body one")) {
		t.Errorf("messages[0] = %q, want to contain %q", messages[0], "body one")
	}
	if !bytes.Contains(messages[1], []byte("body two")) {
		t.Errorf("messages[1] = %q, want to contain %q", messages[1], "body two")
	}
	if bytes.Contains(messages[0], []byte("From alice@example.com")) {
		t.Errorf("messages[0] still contains envelope line: %q", messages[0])
	}
}

func TestSplitNoBoundaryNotLastChunkReturnsCarryover(t *testing.T) {
	buf := []byte("this is not an mbox envelope line\nmore body text\n")
	messages, carryover := Split(buf, false)
	if messages != nil {
		t.Errorf("messages = %v, want nil", messages)
	}
	if !bytes.Equal(carryover, buf) {
		t.Errorf("carryover = %q, want the whole buffer", carryover)
	}
}

func TestSplitNoBoundaryLastChunkDiscards(t *testing.T) {
	buf := []byte("this is not an mbox envelope line\nmore body text\n")
	messages, carryover := Split(buf, true)
	if messages != nil {
		t.Errorf("messages = %v, want nil", messages)
	}
	if carryover != nil {
		t.Errorf("carryover = %q, want nil", carryover)
	}
}

func TestSplitChunkBoundaryInsideEnvelopeLine(t *testing.T) {
	full := msg("From alice@example.com Mon Jan  1 00:00:00 2024", "Subject: hi\r\n\r\nbody one\n") +
		msg("From bob@example.com Mon Jan  1 00:01:00 2024", "Subject: yo\r\n\r\nbody two\n")

	// Split point lands inside msg2's envelope line ("From bob@exam|ple.com...").
	splitPoint := bytes.Index([]byte(full), []byte("bob@exam")) + len("bob@exam")

	chunk0 := []byte(full)[:splitPoint]
	chunk1 := []byte(full)[splitPoint:]

	messages0, carryover0 := Split(chunk0, false)
	if len(messages0) != 1 {
		t.Fatalf("chunk 0: got %d messages, want 1", len(messages0))
	}
	if !bytes.Contains(messages0[0], []byte("body one")) {
		t.Errorf("chunk 0 message = %q, want to contain body one", messages0[0])
	}
	if carryover0 == nil {
		t.Fatal("chunk 0: carryover is nil, want the partial envelope line")
	}

	combined := append(carryover0, chunk1...)
	messages1, carryover1 := Split(combined, true)
	if carryover1 != nil {
		t.Errorf("chunk 1: carryover = %q, want nil (last chunk)", carryover1)
	}
	if len(messages1) != 1 {
		t.Fatalf("chunk 1: got %d messages, want 1", len(messages1))
	}
	if !bytes.Contains(messages1[0], []byte("body two")) {
		t.Errorf("chunk 1 message = %q, want to contain body two", messages1[0])
	}
}

func TestSplitEmptyFinalChunkNoEnvelopesFound(t *testing.T) {
	buf := []byte("just some plain text file\nwith no envelopes at all\n")
	messages, carryover := Split(buf, true)
	if len(messages) != 0 {
		t.Errorf("got %d messages, want 0", len(messages))
	}
	if carryover != nil {
		t.Errorf("carryover = %q, want nil", carryover)
	}
}

func TestSplitChunkingInvariance(t *testing.T) {
	full := []byte(
		msg("From alice@example.com Mon Jan  1 00:00:00 2024", "Subject: one\r\n\r\nfirst body\n") +
			msg("From bob@example.com Mon Jan  1 00:01:00 2024", "Subject: two\r\n\r\nsecond body\n") +
			msg("From carol@example.com Mon Jan  1 00:02:00 2024", "Subject: three\r\n\r\nthird body\n"),
	)

	wholeMessages, _ := Split(full, true)
	if len(wholeMessages) != 3 {
		t.Fatalf("whole-buffer split produced %d messages, want 3", len(wholeMessages))
	}

	for splitAt := 1; splitAt < len(full); splitAt++ {
		chunk0, chunk1 := full[:splitAt], full[splitAt:]
		messages0, carryover := Split(chunk0, false)
		combined := append(append([]byte{}, carryover...), chunk1...)
		messages1, finalCarryover := Split(combined, true)
		if finalCarryover != nil {
			t.Fatalf("splitAt=%d: final carryover = %q, want nil", splitAt, finalCarryover)
		}

		got := append(append([][]byte{}, messages0...), messages1...)
		if len(got) != len(wholeMessages) {
			t.Fatalf("splitAt=%d: got %d messages, want %d", splitAt, len(got), len(wholeMessages))
		}
		for i := range got {
			if !bytes.Equal(got[i], wholeMessages[i]) {
				t.Errorf("splitAt=%d: messages[%d] = %q, want %q", splitAt, i, got[i], wholeMessages[i])
			}
		}
	}
}

func TestUnescapeFromBytesMboxrd(t *testing.T) {
	buf := []byte(
		msg("From alice@example.com Mon Jan  1 00:00:00 2024", "line one\n>From the start of a body line\nline three\n"),
	)
	messages, _ := Split(buf, true)
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	if !bytes.Contains(messages[0], []byte("\nFrom the start of a body line\n")) {
		t.Errorf("messages[0] = %q, want unescaped From line", messages[0])
	}
}

func TestBodyTextWithFromNotAtLineStartIsNotABoundary(t *testing.T) {
	buf := []byte(
		msg("From alice@example.com Mon Jan  1 00:00:00 2024", "Subject: hi\r\n\r\nHe said From now on things change.\n"),
	)
	messages, _ := Split(buf, true)
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
}
