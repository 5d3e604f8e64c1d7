package credential

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `<xml>
  <host name="gateway">
    <user name="ops" passwd="gw-secret"/>
    <host name="db1">
      <user name="root" passwd="db-root"/>
      <user name="app" passwd="db-app"/>
    </host>
  </host>
  <host name="web">
    <user name="deploy" passwd="web-deploy"/>
  </host>
</xml>`

func TestLookup(t *testing.T) {
	d, err := Parse(strings.NewReader(sampleDoc))
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		user   string
		want   string
		wantOK bool
	}{
		{name: "单段路径", path: "web", user: "deploy", want: "web-deploy", wantOK: true},
		{name: "嵌套路径", path: "gateway/db1", user: "app", want: "db-app", wantOK: true},
		{name: "首尾斜杠与空白被忽略", path: "  /gateway/db1/ ", user: "root", want: "db-root", wantOK: true},
		{name: "中间主机的账户", path: "gateway", user: "ops", want: "gw-secret", wantOK: true},
		{name: "账户不存在", path: "gateway/db1", user: "nobody"},
		{name: "路径段不存在", path: "gateway/db2", user: "root"},
		{name: "空路径", path: "/", user: "root"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := d.Lookup(tt.path, tt.user)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookupDoesNotCreateNodes(t *testing.T) {
	d, err := Parse(strings.NewReader(sampleDoc))
	require.NoError(t, err)

	before := d.Paths()
	_, ok := d.Lookup("gateway/missing/deeper", "root")
	assert.False(t, ok)
	assert.Equal(t, before, d.Paths(), "查找失败不应修改目录")
}

func TestAddAndPaths(t *testing.T) {
	d := New()
	require.NoError(t, d.Add("a/b", "u", "p1"))
	require.NoError(t, d.Add("a/b", "u", "p2"))
	require.NoError(t, d.Add("c", "v", "p3"))
	assert.Error(t, d.Add(" / ", "u", "p"))

	got, ok := d.Lookup("a/b", "u")
	require.True(t, ok)
	assert.Equal(t, "p2", got, "重复写入覆盖原口令")
	assert.Equal(t, []string{"a/b", "c"}, d.Paths())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.xml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o600))

	d, err := Load(path)
	require.NoError(t, err)
	got, ok := d.Lookup("web", "deploy")
	assert.True(t, ok)
	assert.Equal(t, "web-deploy", got)

	_, err = Load(filepath.Join(t.TempDir(), "missing.xml"))
	assert.Error(t, err)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse(strings.NewReader("<xml><host name="))
	assert.Error(t, err)
}
