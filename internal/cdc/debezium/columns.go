package debezium

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/types"
)

const nanoDigits = 9

var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// DecodeBinary decodes standard base64 and renders it as bytea hex text.
func DecodeBinary(data string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", errors.Wrap(err, "decode binary")
	}
	return `\x` + hex.EncodeToString(b), nil
}

// DecodeBit renders a base64 little-endian bit string as the rightmost
// precision binary digits. "true" and "false" are single bits.
func DecodeBit(data string, precision int) (string, error) {
	switch data {
	case "true":
		return "1", nil
	case "false":
		return "0", nil
	}

	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", errors.Wrap(err, "decode bit")
	}
	slices.Reverse(b)

	var sb strings.Builder
	sb.Grow(len(b) * 8)
	for _, x := range b {
		fmt.Fprintf(&sb, "%08b", x)
	}
	s := sb.String()
	if precision <= 0 {
		return s, nil
	}
	if len(s) < precision {
		s = strings.Repeat("0", precision-len(s)) + s
	}
	return s[len(s)-precision:], nil
}

// DecodeTime turns a nanoseconds-since-midnight integer into HH:mm:ss with
// precision fractional digits.
func DecodeTime(data string, precision int) (string, error) {
	if data == "" || strings.TrimLeft(data, "0123456789") != "" {
		return "", errors.Errorf("decode time: not an unsigned integer: %q", data)
	}
	precision = min(max(precision, 0), nanoDigits)
	if len(data) <= nanoDigits {
		data = strings.Repeat("0", nanoDigits+1-len(data)) + data
	}

	split := len(data) - nanoDigits
	sec, err := strconv.ParseInt(data[:split], 10, 64)
	if err != nil {
		return "", errors.Wrap(err, "decode time")
	}
	s := time.Unix(sec, 0).UTC().Format("15:04:05")
	if precision == 0 {
		return s, nil
	}
	return s + "." + data[split:split+precision], nil
}

// DecodeDate turns a days-since-epoch integer into yyyy-MM-dd.
func DecodeDate(data string) (string, error) {
	days, err := strconv.Atoi(data)
	if err != nil {
		return "", errors.Wrap(err, "decode date")
	}
	return epoch.AddDate(0, 0, days).Format("2006-01-02"), nil
}

type columnDecoder struct {
	logger *zap.Logger
}

// DecodeColumn applies the Debezium encoding rules. Failures are logged and
// the field is emitted empty.
func (d columnDecoder) DecodeColumn(col types.Column, value string) string {
	var (
		out string
		err error
	)
	switch col.Type {
	case types.Binary:
		out, err = DecodeBinary(value)
	case types.Bit:
		out, err = DecodeBit(value, col.Precision)
	case types.Time:
		out, err = DecodeTime(value, col.Precision)
	case types.Date:
		out, err = DecodeDate(value)
	default:
		return value
	}
	if err != nil {
		d.logger.Error("Can not decode column value",
			zap.String("column", col.Name),
			zap.Stringer("type", col.Type),
			zap.String("value", value),
			zap.Error(err))
		return ""
	}
	return out
}
