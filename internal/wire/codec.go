package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeSuccess renders "BEGIN\n<message>\nSUCCESS\nEND\n".
func EncodeSuccess(message string) string {
	return encodeReply(message, true, nil)
}

// EncodeSuccessData renders "BEGIN\n<message>\nSUCCESS\nDATA\n<n>\n...\nEND\n".
func EncodeSuccessData(message string, data []string) string {
	return encodeReply(message, true, data)
}

// EncodeError renders "BEGIN\n<message>\nERROR\nDATA\n1\n<reason>\nEND\n"
// (an error reply always carries exactly one payload line, the reason).
func EncodeError(message string, reasonFormat string, args ...any) string {
	reason := fmt.Sprintf(reasonFormat, args...)
	return encodeReply(message, false, []string{reason})
}

// EncodeSighup renders the config-reload broadcast "BEGIN\nSIGHUP\nEND\n".
func EncodeSighup() string {
	return "BEGIN\nSIGHUP\nEND\n"
}

func encodeReply(message string, success bool, data []string) string {
	var b strings.Builder
	b.WriteString("BEGIN\n")
	b.WriteString(message)
	b.WriteByte('\n')
	if success {
		b.WriteString("SUCCESS\n")
	} else {
		b.WriteString("ERROR\n")
	}
	if data != nil {
		b.WriteString("DATA\n")
		b.WriteString(strconv.Itoa(len(data)))
		b.WriteByte('\n')
		for _, line := range data {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	b.WriteString("END\n")
	return b.String()
}

// Writer is the minimal write surface the codec's send* helpers need; it
// is satisfied by *os.File, net.Conn, and unit-test fakes alike.
type Writer interface {
	Write(p []byte) (n int, err error)
}

// WriteAll retries Write until every byte of p is written or a write
// returns a non-positive count, at which point the connection is
// considered broken and an error is returned (§4.3: "Writes are retried
// until all bytes are consumed or a write returns <=0").
func WriteAll(w Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if n <= 0 {
			if err != nil {
				return err
			}
			return fmt.Errorf("wire: short write (0 bytes)")
		}
		p = p[n:]
	}
	return nil
}

// SendSuccess writes a SUCCESS reply with no payload.
func SendSuccess(w Writer, message string) error {
	return WriteAll(w, []byte(EncodeSuccess(message)))
}

// SendSuccessData writes a SUCCESS reply carrying data lines.
func SendSuccessData(w Writer, message string, data []string) error {
	return WriteAll(w, []byte(EncodeSuccessData(message, data)))
}

// SendError writes an ERROR reply with a single formatted reason line.
func SendError(w Writer, message string, reasonFormat string, args ...any) error {
	return WriteAll(w, []byte(EncodeError(message, reasonFormat, args...)))
}

// SendSighup writes the broadcast config-reload notice.
func SendSighup(w Writer) error {
	return WriteAll(w, []byte(EncodeSighup()))
}
