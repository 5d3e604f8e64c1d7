package credential

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sshcollectorpro/hopshell/pkg/logger"
)

// Lookuper 按主机路径与用户名查询口令
type Lookuper interface {
	Lookup(path, user string) (string, bool)
}

// Node 主机路径中的一段
type Node struct {
	Name     string
	Users    []User
	Children []*Node
}

// User 某个主机段下的账户
type User struct {
	Name   string
	Secret string
}

// Directory 分层凭据目录：路径 "a/b/c" 逐段向下查找主机节点
type Directory struct {
	root *Node
}

var _ Lookuper = (*Directory)(nil)

type xmlUser struct {
	Name   string `xml:"name,attr"`
	Passwd string `xml:"passwd,attr"`
}

type xmlHost struct {
	Name  string    `xml:"name,attr"`
	Users []xmlUser `xml:"user"`
	Hosts []xmlHost `xml:"host"`
}

type xmlDocument struct {
	Hosts []xmlHost `xml:"host"`
}

// New 空目录
func New() *Directory {
	return &Directory{root: &Node{}}
}

// Parse 解析 XML 凭据文档，根元素下为嵌套的 host 元素
func Parse(r io.Reader) (*Directory, error) {
	var doc xmlDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse credential document: %w", err)
	}
	d := New()
	for _, h := range doc.Hosts {
		d.root.Children = append(d.root.Children, convert(h))
	}
	return d, nil
}

func convert(h xmlHost) *Node {
	n := &Node{Name: h.Name}
	for _, u := range h.Users {
		n.Users = append(n.Users, User{Name: u.Name, Secret: u.Passwd})
	}
	for _, c := range h.Hosts {
		n.Children = append(n.Children, convert(c))
	}
	return n
}

// Load 读取凭据文件；文件对组或其他用户可读时记录警告
func Load(path string) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential file: %w", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Mode().Perm()&0o077 != 0 {
		logger.WithField("path", path).
			Warnf("credential file permissions %o are too open, expected 0600", info.Mode().Perm())
	}

	d, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func splitPath(path string) []string {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Lookup 查找 path 所指主机下 user 的口令。路径首尾空白和斜杠被忽略；
// 任一段不存在或账户不存在返回 false，查找不会创建任何节点。
func (d *Directory) Lookup(path, user string) (string, bool) {
	segments := splitPath(path)
	if d == nil || len(segments) == 0 {
		return "", false
	}
	node := d.root
	for _, seg := range segments {
		node = node.child(seg)
		if node == nil {
			return "", false
		}
	}
	for _, u := range node.Users {
		if u.Name == user {
			return u.Secret, true
		}
	}
	return "", false
}

// Add 写入一条凭据，按需创建路径上的节点
func (d *Directory) Add(path, user, secret string) error {
	segments := splitPath(path)
	if len(segments) == 0 {
		return fmt.Errorf("empty host path")
	}
	node := d.root
	for _, seg := range segments {
		next := node.child(seg)
		if next == nil {
			next = &Node{Name: seg}
			node.Children = append(node.Children, next)
		}
		node = next
	}
	for i := range node.Users {
		if node.Users[i].Name == user {
			node.Users[i].Secret = secret
			return nil
		}
	}
	node.Users = append(node.Users, User{Name: user, Secret: secret})
	return nil
}

// Paths 列出所有带账户的主机路径
func (d *Directory) Paths() []string {
	var out []string
	var walk func(prefix string, n *Node)
	walk = func(prefix string, n *Node) {
		for _, c := range n.Children {
			p := c.Name
			if prefix != "" {
				p = prefix + "/" + c.Name
			}
			if len(c.Users) > 0 {
				out = append(out, p)
			}
			walk(p, c)
		}
	}
	walk("", d.root)
	return out
}

func (n *Node) child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}
