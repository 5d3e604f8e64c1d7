package remote

import (
	"time"

	"github.com/sshcollectorpro/hopshell/pkg/expect"
)

// GenericPrompt 通用 shell 提示符：行首任意文本后跟 $、> 或 # 加空格
var GenericPrompt = expect.Regexp(`(?m)^[^\n]*[\$>#] `)

var (
	patCommandNotFound = expect.Regexp(`(?mi)command not found|: not found`)
	patNoRoute         = expect.Regexp(`(?mi)No route to host`)
	patNameUnknown     = expect.Regexp(`(?mi)Name or service not known|Could not resolve hostname`)
	patRefused         = expect.Regexp(`(?mi)Connection refused`)
	patHostKeyFailed   = expect.Regexp(`(?i)Host key verification failed`)

	patConfirm       = expect.Regexp(`continue connecting[^\n]*\?`)
	patCredential    = expect.Regexp(`(?i)password: |passphrase for key`)
	patCredentialEnd = expect.Regexp(`(?i)password: $|passphrase for key`)
	patTryAgain      = expect.Regexp(`please try again`)
	patLineEnd       = expect.Regexp(`\r\n`)
	patClosed        = expect.Regexp(`(?mi)Connection .*closed`)
	patUsername      = expect.NotPrecededBy(`(?i)login: |username: `, "last ")
	patTelnetEscape  = expect.Regexp(`telnet> `)

	patSuPassword  = expect.Regexp(`(?i)password: `)
	patUnknownID   = expect.Regexp(`(?i)Unknown id:|does not exist`)
	patAuthFailure = expect.Regexp(`(?i)authentication failure`)
	patSuSorry     = expect.Regexp(`(?i)su: Sorry`)

	patPS1Echo     = expect.Regexp(`PS1=.*\r\n`)
	patLoginFailed = expect.Regexp(`Login failed`)
	patSftpPrompt  = expect.Regexp(`(?m)^sftp> `)
	patLftpPrompt  = expect.Regexp(`(?m)^.+> `)
	patLftpSync    = expect.Regexp(`(?m)^` + lftpSyncMarker + `\r?\n`)
)

// lftpSyncMarker 登录后用 echo 回显的标记，用于越过多余的提示符
const lftpSyncMarker = "hopshell-sync"

type outcome int

const (
	outFatal outcome = iota
	outConfirm
	outCredential
	outPrompt
	outRetry
	outLineEnd
	outClosed
	outUsername
	outUnknownID
	outRejected
	outEnd
)

// branch 竞争等待中的一个分支
type branch struct {
	name    string
	pattern expect.Pattern
	outcome outcome
}

// fatalBranches 连接阶段的致命横幅
func fatalBranches() []branch {
	return []branch{
		{"command not found", patCommandNotFound, outFatal},
		{"no route to host", patNoRoute, outFatal},
		{"name or service not known", patNameUnknown, outFatal},
		{"connection refused", patRefused, outFatal},
		{"host key verification failed", patHostKeyFailed, outFatal},
	}
}

// race 等待任一分支匹配，返回命中的分支和匹配前文本
func race(st expect.Stream, timeout time.Duration, branches ...branch) (branch, string, error) {
	patterns := make([]expect.Pattern, len(branches))
	for i, b := range branches {
		patterns[i] = b.pattern
	}
	idx, before, err := st.Expect(timeout, patterns...)
	if err != nil {
		return branch{}, before, err
	}
	return branches[idx], before, nil
}

func join(groups ...[]branch) []branch {
	var out []branch
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
