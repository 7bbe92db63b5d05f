package websocket

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client 代表房间中的一个连接
// Send 为有界发送队列，从不关闭；连接结束通过 done 通知写协程
type Client struct {
	ID       string
	UserID   uint
	UserName string
	Send     chan []byte

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// NewClient 创建连接，buffer 为发送队列长度
func NewClient(userID uint, userName string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 1
	}
	return &Client{
		ID:       uuid.NewString(),
		UserID:   userID,
		UserName: userName,
		Send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// Enqueue 非阻塞地放入发送队列，队列已满或连接已关闭时返回false
func (c *Client) Enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}

// Close 以正常关闭码结束连接
func (c *Client) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith 结束连接并记录关闭码，只有第一次调用生效
func (c *Client) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Done 连接结束后关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Closed 连接是否已结束
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseReason 关闭码与原因，只在 Done 关闭后有意义
func (c *Client) CloseReason() (int, string) {
	<-c.done
	return c.closeCode, c.closeReason
}
