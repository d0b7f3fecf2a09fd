// Package encoding handles the wire representations the API speaks
// besides plain JSON: MessagePack request/response bodies negotiated via
// Accept/Content-Type, and the timestamp extension emitted by the
// msgpackr library the web client uses.
package encoding

import (
	"encoding/binary"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func init() {
	// msgpackr (JS) encodes Date objects as extension type 0. Register a
	// decoder so request bodies and WS frames from the web client
	// round-trip into time.Time.
	msgpack.RegisterExtDecoder(0, time.Time{}, func(dec *msgpack.Decoder, v reflect.Value, extLen int) error {
		data := make([]byte, extLen)
		if _, err := dec.Buffered().Read(data); err != nil {
			return err
		}
		v.Set(reflect.ValueOf(decodeTimestampExt(data)))
		return nil
	})
}

// decodeTimestampExt decodes the msgpack timestamp extension payload.
// Three layouts exist: 4 bytes (seconds), 8 bytes (34-bit seconds with
// 30-bit nanoseconds packed above), and 12 bytes (4 bytes nanoseconds
// followed by 8 bytes seconds, used for dates after 2106).
func decodeTimestampExt(data []byte) time.Time {
	switch len(data) {
	case 4:
		return time.Unix(int64(binary.BigEndian.Uint32(data)), 0)
	case 8:
		val := binary.BigEndian.Uint64(data)
		nsec := int64(val >> 34)
		sec := int64(val & 0x3ffffffff)
		return time.Unix(sec, nsec)
	case 12:
		nsec := int64(binary.BigEndian.Uint32(data[:4]))
		sec := int64(binary.BigEndian.Uint64(data[4:]))
		return time.Unix(sec, nsec)
	default:
		return time.Time{}
	}
}

const ContentTypeMsgpack = "application/msgpack"
const ContentTypeJSON = "application/json"

// NegotiateContentType checks the Accept header and returns the preferred content type
func NegotiateContentType(r *http.Request) string {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return ContentTypeJSON
	}

	if strings.Contains(accept, ContentTypeMsgpack) {
		return ContentTypeMsgpack
	}

	return ContentTypeJSON
}

// WriteMsgpack writes a MessagePack response with the given status code
func WriteMsgpack(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", ContentTypeMsgpack)
	w.WriteHeader(status)

	encoder := msgpack.NewEncoder(w)
	return encoder.Encode(data)
}

// ReadMsgpack reads MessagePack data from the request body
func ReadMsgpack(r *http.Request, target interface{}) error {
	decoder := msgpack.NewDecoder(r.Body)
	return decoder.Decode(target)
}
