package dap_target

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/fansqz/debug-controller/utils/gosync"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

// dapClient 调试适配器的客户端，一个读协程负责分发响应与事件
type dapClient struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader

	writeLock sync.Mutex
	seq       int64

	pendingLock sync.Mutex
	pending     map[int]chan dap.ResponseMessage
	err         error

	events    chan dap.EventMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newDapClient(conn io.ReadWriteCloser) *dapClient {
	c := &dapClient{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		pending: make(map[int]chan dap.ResponseMessage),
		events:  make(chan dap.EventMessage, 256),
		done:    make(chan struct{}),
	}
	gosync.Go(context.Background(), func(ctx context.Context) {
		c.receiveLoop()
	})
	return c
}

// Events 适配器发来的事件，连接断开后关闭
func (c *dapClient) Events() <-chan dap.EventMessage {
	return c.events
}

func (c *dapClient) newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  int(atomic.AddInt64(&c.seq, 1)),
			Type: "request",
		},
		Command: command,
	}
}

// send 发送请求并等待响应，适配器返回失败时转为error
func (c *dapClient) send(ctx context.Context, request dap.RequestMessage) (dap.ResponseMessage, error) {
	seq := request.GetRequest().Seq
	command := request.GetRequest().Command
	wait := make(chan dap.ResponseMessage, 1)
	c.pendingLock.Lock()
	if c.err != nil {
		err := c.err
		c.pendingLock.Unlock()
		return nil, err
	}
	c.pending[seq] = wait
	c.pendingLock.Unlock()

	c.writeLock.Lock()
	err := dap.WriteProtocolMessage(c.conn, request)
	c.writeLock.Unlock()
	if err != nil {
		c.removePending(seq)
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case response, ok := <-wait:
		if !ok {
			return nil, fmt.Errorf("%s: %w", command, c.closedErr())
		}
		if !response.GetResponse().Success {
			return response, fmt.Errorf("%s: %s", command, errorMessage(response))
		}
		return response, nil
	case <-ctx.Done():
		c.removePending(seq)
		return nil, ctx.Err()
	}
}

func errorMessage(response dap.ResponseMessage) string {
	if errResponse, ok := response.(*dap.ErrorResponse); ok && errResponse.Body.Error != nil {
		return errResponse.Body.Error.Format
	}
	return response.GetResponse().Message
}

func (c *dapClient) removePending(seq int) {
	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()
	delete(c.pending, seq)
}

func (c *dapClient) closedErr() error {
	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()
	if c.err != nil {
		return c.err
	}
	return io.EOF
}

// receiveLoop 读取适配器消息，连接断开时结束所有等待中的请求
func (c *dapClient) receiveLoop() {
	defer close(c.events)
	for {
		message, err := dap.ReadProtocolMessage(c.reader)
		if err != nil {
			var decodeErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &decodeErr) {
				logrus.Debugf("[dapClient] skip message, err = %v", err)
				continue
			}
			c.fail(err)
			return
		}
		switch message := message.(type) {
		case dap.ResponseMessage:
			seq := message.GetResponse().RequestSeq
			c.pendingLock.Lock()
			wait, ok := c.pending[seq]
			delete(c.pending, seq)
			c.pendingLock.Unlock()
			if ok {
				wait <- message
			}
		case dap.EventMessage:
			select {
			case c.events <- message:
			case <-c.done:
				c.fail(io.EOF)
				return
			}
		default:
			logrus.Debugf("[dapClient] ignore message %T", message)
		}
	}
}

func (c *dapClient) fail(err error) {
	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()
	if c.err == nil {
		c.err = err
	}
	for seq, wait := range c.pending {
		close(wait)
		delete(c.pending, seq)
	}
}

// Close 关闭连接，读协程随后退出
func (c *dapClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
