package wire

import "testing"

func feedAll(p *ReplyParser, lines []string) {
	for _, l := range lines {
		if p.IsCompleted() {
			return
		}
		p.Feed(l)
	}
}

func TestReplyParserSuccessNoData(t *testing.T) {
	p := NewReplyParser()
	feedAll(p, []string{"BEGIN", "SEND_ONCE foo KEY_POWER", "SUCCESS", "END"})
	if !p.IsCompleted() || p.Outcome() != OK {
		t.Fatalf("expected OK, got completed=%v outcome=%v", p.IsCompleted(), p.Outcome())
	}
	if p.Command != "SEND_ONCE foo KEY_POWER" {
		t.Fatalf("unexpected command: %q", p.Command)
	}
}

func TestReplyParserSuccessWithData(t *testing.T) {
	p := NewReplyParser()
	feedAll(p, []string{"BEGIN", "GET_BACKEND_INFO", "SUCCESS", "DATA", "1", "std 4711 acme /dev/ir0", "END"})
	if p.Outcome() != OK {
		t.Fatalf("expected OK, got %v", p.Outcome())
	}
	if len(p.Data) != 1 || p.Data[0] != "std 4711 acme /dev/ir0" {
		t.Fatalf("unexpected data: %#v", p.Data)
	}
}

func TestReplyParserErrorWithData(t *testing.T) {
	p := NewReplyParser()
	feedAll(p, []string{"BEGIN", "LIST", "ERROR", "DATA", "1", "no such backend", "END"})
	if p.Outcome() != Fail {
		t.Fatalf("expected FAIL, got %v", p.Outcome())
	}
}

func TestReplyParserZeroLengthData(t *testing.T) {
	p := NewReplyParser()
	feedAll(p, []string{"BEGIN", "LIST_REMOTES acme", "SUCCESS", "DATA", "0", "END"})
	if p.Outcome() != OK {
		t.Fatalf("expected OK, got %v", p.Outcome())
	}
	if len(p.Data) != 0 {
		t.Fatalf("expected no data lines, got %#v", p.Data)
	}
}

func TestReplyParserMalformed(t *testing.T) {
	p := NewReplyParser()
	feedAll(p, []string{"NOT_BEGIN"})
	if p.Outcome() != CantParse {
		t.Fatalf("expected CANT_PARSE, got %v", p.Outcome())
	}
}

func TestReplyParserMalformedLineCount(t *testing.T) {
	p := NewReplyParser()
	feedAll(p, []string{"BEGIN", "LIST", "SUCCESS", "DATA", "not-a-number"})
	if p.Outcome() != CantParse {
		t.Fatalf("expected CANT_PARSE, got %v", p.Outcome())
	}
}

func TestReplyParserTimeout(t *testing.T) {
	p := NewReplyParser()
	p.Feed("BEGIN")
	p.MarkTimeout()
	if !p.IsCompleted() || p.Outcome() != Timeout {
		t.Fatalf("expected TIMEOUT, got completed=%v outcome=%v", p.IsCompleted(), p.Outcome())
	}
}

func TestReplyParserIncomplete(t *testing.T) {
	p := NewReplyParser()
	p.Feed("BEGIN")
	p.Feed("LIST")
	if p.IsCompleted() {
		t.Fatal("should not be complete yet")
	}
	if p.Outcome() != Incomplete {
		t.Fatalf("expected INCOMPLETE, got %v", p.Outcome())
	}
}

func TestReplyParserReset(t *testing.T) {
	p := NewReplyParser()
	feedAll(p, []string{"BEGIN", "LIST", "SUCCESS", "END"})
	p.Reset()
	if p.IsCompleted() {
		t.Fatal("expected fresh parser after reset")
	}
	if p.Command != "" {
		t.Fatalf("expected cleared command, got %q", p.Command)
	}
}

// TestReplyParserRoundTrip is the §8 invariant #5 property test: any
// well-formed reply encoded by the codec, fed line by line into a fresh
// parser, yields DONE with identical fields.
func TestReplyParserRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		message string
		success bool
		data    []string
	}{
		{"no-data-success", "VERSION", true, nil},
		{"data-success", "LIST acme", true, []string{"KEY_POWER", "KEY_MUTE"}},
		{"data-error", "SEND_ONCE x y", false, []string{"TIMEOUT"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var encoded string
			if tc.success {
				if tc.data == nil {
					encoded = EncodeSuccess(tc.message)
				} else {
					encoded = EncodeSuccessData(tc.message, tc.data)
				}
			} else {
				encoded = EncodeError(tc.message, tc.data[0])
			}

			p := NewReplyParser()
			for _, line := range splitLines(encoded) {
				if p.IsCompleted() {
					break
				}
				p.Feed(line)
			}
			if !p.IsCompleted() {
				t.Fatalf("parser never completed on %q", encoded)
			}
			wantOutcome := OK
			if !tc.success {
				wantOutcome = Fail
			}
			if p.Outcome() != wantOutcome {
				t.Fatalf("outcome = %v, want %v", p.Outcome(), wantOutcome)
			}
			if p.Command != tc.message {
				t.Fatalf("command = %q, want %q", p.Command, tc.message)
			}
			if len(p.Data) != len(tc.data) {
				t.Fatalf("data = %#v, want %#v", p.Data, tc.data)
			}
			for i := range tc.data {
				if p.Data[i] != tc.data[i] {
					t.Fatalf("data[%d] = %q, want %q", i, p.Data[i], tc.data[i])
				}
			}
		})
	}
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
