package remote

import (
	"errors"
	"fmt"
	"time"

	"github.com/sshcollectorpro/hopshell/pkg/expect"
	"github.com/sshcollectorpro/hopshell/pkg/logger"
)

// AutoPassword 应答一个已启动程序的主机指纹确认和口令提示。
// parent 为空时程序独占 st，结束标志为 EOF；否则程序运行在 parent 的
// shell 中，结束标志为 parent 的提示符。返回结束前的输出。
// 失败时流已按所处阶段关闭（或回到 parent 提示符）。
func AutoPassword(st expect.Stream, password string, parent *Session, timeout time.Duration) (string, error) {
	end := branch{"end", expect.EOF, outEnd}
	if parent != nil {
		prompt := parent.Prompt()
		if prompt == nil {
			return "", fmt.Errorf("%w: context shell", ErrNotLoggedIn)
		}
		end = branch{"end", prompt, outEnd}
	}
	log := logger.WithField("component", "autopassword")

	fail := func(state sessionState, err error) (string, error) {
		if cerr := closeStream(st, parent, state, timeout); cerr != nil {
			log.Debugf("close after failure: %v", cerr)
		}
		if errors.Is(err, expect.ErrTimeout) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return "", err
	}

	credential := branch{"password", patCredential, outCredential}
	confirm := branch{"confirm", patConfirm, outConfirm}
	branches := join(fatalBranches(), []branch{confirm, credential, end})

	var (
		b      branch
		before string
		err    error
	)
	for confirmations := 0; ; confirmations++ {
		b, before, err = race(st, timeout, branches...)
		if err != nil {
			return fail(stateAuth, err)
		}
		if b.outcome != outConfirm {
			break
		}
		log.Debugf("accepting host key (%d)", confirmations+1)
		if err := st.SendLine("yes"); err != nil {
			return fail(stateContext, err)
		}
		// 最多确认两次
		if confirmations+1 >= 2 {
			branches = []branch{credential, end}
		} else {
			branches = []branch{credential, end, confirm}
		}
	}

	switch b.outcome {
	case outFatal:
		if cerr := closeStream(st, parent, stateContext, timeout); cerr != nil {
			log.Debugf("close after failure: %v", cerr)
		}
		return "", fmt.Errorf("%w: %s", ErrConnect, b.name)
	case outEnd:
		return before, nil
	}

	if err := st.SendSecret(password); err != nil {
		return fail(stateContext, err)
	}
	if _, _, err := st.Expect(timeout, patLineEnd); err != nil {
		return fail(stateAuth, err)
	}

	b, before, err = race(st, timeout,
		branch{"password", patCredentialEnd, outCredential},
		branch{"try again", patTryAgain, outRetry},
		branch{"line end", patLineEnd, outLineEnd},
		end,
	)
	if err != nil {
		return fail(stateAuth, err)
	}
	switch b.outcome {
	case outRetry:
		if _, _, err := st.Expect(timeout, patLineEnd); err != nil {
			return fail(stateAuth, err)
		}
		if _, _, err := st.Expect(timeout, patCredentialEnd); err != nil {
			return fail(stateAuth, err)
		}
		return fail(stateAuth, fmt.Errorf("%w: password rejected", ErrAuth))
	case outCredential:
		return fail(stateAuth, fmt.Errorf("%w: password rejected", ErrAuth))
	case outLineEnd:
		return before + "\r\n", nil
	}
	return before, nil
}

// RunWithPassword 在 st 上应答口令并读取程序的全部输出，然后关闭流。
// wait 限制认证之后程序运行的总时长，超时中断程序并返回 ErrTimeout 与已读到的输出；
// wait 小于等于 0 表示不限时。
func RunWithPassword(st expect.Stream, password string, timeout, wait time.Duration) (string, error) {
	out, err := AutoPassword(st, password, nil, timeout)
	if err != nil {
		return out, err
	}
	defer st.Close()
	if wait <= 0 {
		wait = -1
	}
	rest, err := st.ReadAll(wait)
	if errors.Is(err, expect.ErrTimeout) {
		_ = st.SendControl('c')
		// 中断后短暂收尾，拿到已经产生的输出
		rest, _ = st.ReadAll(timeout)
		return out + rest, fmt.Errorf("%w: program still running after %s", ErrTimeout, wait)
	}
	if err != nil {
		return out + rest, err
	}
	return out + rest, nil
}
