package util

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// fallbackEncodings 自动识别时依次尝试的编码
var fallbackEncodings = []encoding.Encoding{
	simplifiedchinese.GB18030,
	simplifiedchinese.GBK,
	traditionalchinese.Big5,
	charmap.Windows1252,
	charmap.ISO8859_1,
}

// OutputDecoder 把远端输出转换为 UTF-8
type OutputDecoder struct {
	enc encoding.Encoding
}

// NewOutputDecoder charset 为 IANA 名称（如 GBK、ISO-8859-1）；为空时自动识别
func NewOutputDecoder(charset string) (*OutputDecoder, error) {
	charset = strings.TrimSpace(charset)
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "utf8") {
		return &OutputDecoder{}, nil
	}
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", charset, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return &OutputDecoder{enc: enc}, nil
}

// Decode 已是合法 UTF-8 的输出原样返回；否则按配置的编码解码，
// 未配置时依次尝试常见编码，全部失败时原样返回。
func (d *OutputDecoder) Decode(s string) string {
	b := []byte(s)
	if len(b) == 0 || utf8.Valid(b) {
		return s
	}
	if d != nil && d.enc != nil {
		if out, ok := tryDecode(d.enc, b); ok {
			return out
		}
	}
	return EnsureUTF8Bytes(b)
}

// EnsureUTF8Bytes 把可能是旧编码的字节转换为 UTF-8 字符串
func EnsureUTF8Bytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	for _, enc := range fallbackEncodings {
		if s, ok := tryDecode(enc, b); ok {
			return s
		}
	}
	return string(b)
}

// EnsureUTF8 同 EnsureUTF8Bytes
func EnsureUTF8(s string) string {
	return EnsureUTF8Bytes([]byte(s))
}

func tryDecode(enc encoding.Encoding, b []byte) (string, bool) {
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(b), enc.NewDecoder()))
	if err != nil || !utf8.Valid(decoded) {
		return "", false
	}
	return string(decoded), true
}

// ansiEscape 终端控制序列（颜色、光标移动、OSC 标题）
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07|\x1b[()][0-9A-Za-z]`)

// StripANSI 去掉终端控制序列和回车
func StripANSI(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "\r", "")
}
