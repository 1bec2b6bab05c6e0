package dap_target

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/creack/pty"
	"github.com/fansqz/debug-controller/utils/gosync"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// listenPattern 适配器启动后打印的监听地址，例如 "DAP server listening at: 127.0.0.1:38697"
var listenPattern = regexp.MustCompile(`listening at:?\s+(\S+)`)

// adapterProcess 在虚拟终端中启动的调试适配器
type adapterProcess struct {
	cmd *exec.Cmd
	ptm *os.File
	pts *os.File
}

// startAdapter 启动适配器并等待它打印监听地址
func startAdapter(ctx context.Context, command []string, timeout time.Duration) (*adapterProcess, string, error) {
	if len(command) == 0 {
		return nil, "", fmt.Errorf("empty adapter command")
	}
	ptm, pts, err := pty.Open()
	if err != nil {
		logrus.Errorf("[startAdapter] pty open fail, err = %v", err)
		return nil, "", err
	}
	if _, err = term.MakeRaw(int(ptm.Fd())); err != nil {
		logrus.Errorf("[startAdapter] make raw fail, err = %v", err)
		_ = ptm.Close()
		_ = pts.Close()
		return nil, "", err
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdout = pts
	cmd.Stderr = pts
	cmd.Stdin = pts
	if err = cmd.Start(); err != nil {
		_ = ptm.Close()
		_ = pts.Close()
		return nil, "", fmt.Errorf("start adapter %s: %w", command[0], err)
	}
	process := &adapterProcess{cmd: cmd, ptm: ptm, pts: pts}

	address := make(chan string, 1)
	gosync.Go(context.Background(), func(ctx context.Context) {
		process.processOutput(address)
	})
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case addr, ok := <-address:
		if ok {
			logrus.Infof("[startAdapter] adapter listening at %s", addr)
			return process, addr, nil
		}
		process.Kill()
		return nil, "", fmt.Errorf("adapter exited before listening")
	case <-timer.C:
		process.Kill()
		return nil, "", fmt.Errorf("adapter did not listen within %s", timeout)
	case <-ctx.Done():
		process.Kill()
		return nil, "", ctx.Err()
	}
}

// processOutput 读取适配器输出，找到监听地址后继续转发到日志
func (p *adapterProcess) processOutput(address chan<- string) {
	found := false
	defer func() {
		if !found {
			close(address)
		}
	}()
	scanner := bufio.NewScanner(p.ptm)
	for scanner.Scan() {
		line := scanner.Text()
		if !found {
			if match := listenPattern.FindStringSubmatch(line); match != nil {
				found = true
				address <- match[1]
				continue
			}
		}
		logrus.Debugf("[adapter] %s", line)
	}
}

// Kill 结束适配器进程
func (p *adapterProcess) Kill() {
	if p == nil {
		return
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
	_ = p.ptm.Close()
	_ = p.pts.Close()
}
