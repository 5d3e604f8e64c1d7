package expect

import (
	"regexp"
	"strings"
)

// Pattern 匹配器，在尚未消费的输出缓冲区中查找匹配位置
type Pattern interface {
	// find 返回第一个匹配的起止位置；closed 表示对端已关闭
	find(buf string, closed bool) (start, end int, ok bool)
	String() string
}

// EOF 对端关闭后才会匹配的特殊模式，before 为剩余的全部输出
var EOF Pattern = eofPattern{}

type eofPattern struct{}

func (eofPattern) find(buf string, closed bool) (int, int, bool) {
	if !closed {
		return 0, 0, false
	}
	return len(buf), len(buf), true
}

func (eofPattern) String() string { return "<EOF>" }

type regexpPattern struct {
	re *regexp.Regexp
}

// Regexp 编译正则模式，表达式非法时 panic，用于包级变量
func Regexp(expr string) Pattern {
	return &regexpPattern{re: regexp.MustCompile(expr)}
}

// Compile 编译正则模式并返回错误
func Compile(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return &regexpPattern{re: re}, nil
}

// Literal 按字面文本匹配
func Literal(text string) Pattern {
	return &regexpPattern{re: regexp.MustCompile(regexp.QuoteMeta(text))}
}

func (p *regexpPattern) find(buf string, _ bool) (int, int, bool) {
	loc := p.re.FindStringIndex(buf)
	if loc == nil {
		return 0, 0, false
	}
	return loc[0], loc[1], true
}

func (p *regexpPattern) String() string { return p.re.String() }

type notPrecededBy struct {
	re     *regexp.Regexp
	prefix string
}

// NotPrecededBy 正则匹配，但跳过紧跟在 prefix 之后的匹配（不区分大小写）。
// RE2 没有反向断言，"Last login: " 这类横幅依赖它排除。
func NotPrecededBy(expr, prefix string) Pattern {
	return &notPrecededBy{re: regexp.MustCompile(expr), prefix: strings.ToLower(prefix)}
}

func (p *notPrecededBy) find(buf string, _ bool) (int, int, bool) {
	for _, loc := range p.re.FindAllStringIndex(buf, -1) {
		if strings.HasSuffix(strings.ToLower(buf[:loc[0]]), p.prefix) {
			continue
		}
		return loc[0], loc[1], true
	}
	return 0, 0, false
}

func (p *notPrecededBy) String() string {
	return p.re.String() + " (not after " + p.prefix + ")"
}

// earliest 返回起始位置最早的模式；位置相同时取索引较小者
func earliest(buf string, closed bool, patterns []Pattern) (idx, start, end int) {
	idx = -1
	for i, p := range patterns {
		s, e, ok := p.find(buf, closed)
		if !ok {
			continue
		}
		if idx < 0 || s < start {
			idx, start, end = i, s, e
		}
	}
	return idx, start, end
}
