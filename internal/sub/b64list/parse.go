// Package b64list handles the common "whole document is one base64 blob"
// subscription shape: the decoded payload is a plain URI list.
package b64list

import (
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/subpipe/internal/detect"
	"github.com/John-Robertt/subpipe/internal/sub"
	"github.com/John-Robertt/subpipe/internal/sub/urilist"
)

type Parser struct {
	inner *urilist.Parser
}

func New() *Parser { return &Parser{inner: urilist.New()} }

func (*Parser) Format() detect.Format { return detect.FormatBase64 }

func (p *Parser) Parse(source string, data []byte) ([]sub.RawEntry, error) {
	if !utf8.Valid(data) {
		return nil, sub.NewParseError(source, 0, "", "订阅不是合法 UTF-8 文本", "", nil)
	}
	s := strings.TrimSpace(string(detect.StripBOM(data)))
	if s == "" {
		return nil, sub.NewParseError(source, 0, "", "订阅内容为空", "", nil)
	}

	decoded, err := sub.DecodeBase64(removeWhitespace(s))
	if err != nil {
		return nil, sub.NewParseError(source, 0, sub.TruncateSnippet(s, 200), "订阅 base64 解码失败", "", err)
	}
	if !utf8.Valid(decoded) {
		return nil, sub.NewParseError(source, 0, "", "订阅 base64 解码结果不是合法 UTF-8", "", nil)
	}
	return p.inner.Parse(source, decoded)
}

// removeWhitespace drops space/tab/CR/LF before decoding: providers wrap the
// blob at arbitrary columns.
func removeWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
