package remote

import (
	"errors"

	"github.com/sshcollectorpro/hopshell/pkg/expect"
)

// 会话错误，调用方用 errors.Is 判断
var (
	ErrConnect           = errors.New("connection failed")
	ErrAuth              = errors.New("authentication failed")
	ErrRobustSteps       = errors.New("shell normalization failed")
	ErrTimeout           = errors.New("timed out")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrIncorrectPassword = errors.New("incorrect password")
	ErrNotLoggedIn       = errors.New("not logged in")
	ErrAlreadyLoggedIn   = errors.New("already logged in")
	ErrNoUserToQuit      = errors.New("no switched user to quit")
	ErrRetryExhausted    = errors.New("login retries exhausted")
	ErrTransfer          = errors.New("transfer failed")
	ErrInvalidChain      = errors.New("invalid hop chain")
)

// 结果分类，与历史记录中的状态一致
const (
	StatusSuccess        = "success"
	StatusConnectFailed  = "connect_failed"
	StatusAuthFailed     = "auth_failed"
	StatusRobustFailed   = "robust_failed"
	StatusTimeout        = "timeout"
	StatusUnknownAccount = "unknown_account"
	StatusBadPassword    = "bad_password"
	StatusTransferFailed = "transfer_failed"
	StatusFailed         = "failed"
)

// Classify 把错误归类为状态字符串
func Classify(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrRobustSteps):
		return StatusRobustFailed
	case errors.Is(err, ErrTimeout), errors.Is(err, expect.ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrAuth), errors.Is(err, ErrRetryExhausted):
		return StatusAuthFailed
	case errors.Is(err, ErrConnect), errors.Is(err, expect.ErrEOF):
		return StatusConnectFailed
	case errors.Is(err, ErrUnknownAccount):
		return StatusUnknownAccount
	case errors.Is(err, ErrIncorrectPassword):
		return StatusBadPassword
	case errors.Is(err, ErrTransfer):
		return StatusTransferFailed
	default:
		return StatusFailed
	}
}

// classified 错误是否已归类为会话错误
func classified(err error) bool {
	for _, target := range []error{
		ErrConnect, ErrAuth, ErrRobustSteps, ErrTimeout, ErrUnknownAccount,
		ErrIncorrectPassword, ErrRetryExhausted, ErrTransfer, ErrInvalidChain,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
