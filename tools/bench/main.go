package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// -------------------- 进程监控 --------------------

type SystemStats struct {
	Timestamp   time.Time
	MemoryUsage float64
	MemoryTotal uint64
	MemoryUsed  uint64
	Goroutines  int
	Received    int64
}

type Monitor struct {
	mu       sync.Mutex
	stats    []SystemStats
	interval time.Duration
	received *atomic.Int64
	stopChan chan struct{}
}

func NewMonitor(interval time.Duration, received *atomic.Int64) *Monitor {
	return &Monitor{
		stats:    make([]SystemStats, 0, 512),
		interval: interval,
		received: received,
		stopChan: make(chan struct{}),
	}
}

func getMemoryUsage() (usagePercent float64, total, used uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total = m.Sys
	used = m.Alloc
	if total > 0 {
		usagePercent = float64(used) / float64(total) * 100
	}
	return
}

func (m *Monitor) collectStats() SystemStats {
	memUsage, memTotal, memUsed := getMemoryUsage()
	stats := SystemStats{
		Timestamp:   time.Now(),
		MemoryUsage: memUsage,
		MemoryTotal: memTotal,
		MemoryUsed:  memUsed,
		Goroutines:  runtime.NumGoroutine(),
		Received:    m.received.Load(),
	}
	m.mu.Lock()
	m.stats = append(m.stats, stats)
	m.mu.Unlock()
	return stats
}

func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.printStats(m.collectStats())
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() { close(m.stopChan) }

func (m *Monitor) printStats(s SystemStats) {
	fmt.Printf("[%s] 内存: %.1f%% (%.1fMB/%.1fMB) | Goroutines: %d | 已接收事件: %d\n",
		s.Timestamp.Format("15:04:05"), s.MemoryUsage,
		float64(s.MemoryUsed)/1024/1024, float64(s.MemoryTotal)/1024/1024,
		s.Goroutines, s.Received,
	)
}

func (m *Monitor) SaveToFile(filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	_, _ = f.WriteString("Timestamp,MemoryUsage,MemoryTotal,MemoryUsed,Goroutines,Received\n")
	for _, s := range m.stats {
		line := fmt.Sprintf("%s,%.2f,%d,%d,%d,%d\n",
			s.Timestamp.Format("2006-01-02 15:04:05"), s.MemoryUsage,
			s.MemoryTotal, s.MemoryUsed, s.Goroutines, s.Received,
		)
		_, _ = f.WriteString(line)
	}
	return nil
}

// -------------------- 延迟统计 --------------------

type LatencyStats struct {
	mu      sync.Mutex
	count   int
	failed  int
	total   time.Duration
	max     time.Duration
	min     time.Duration
	dropped int
}

func (s *LatencyStats) Add(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.total += latency
	if latency > s.max {
		s.max = latency
	}
	if s.min == 0 || latency < s.min {
		s.min = latency
	}
}

func (s *LatencyStats) Fail() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

func (s *LatencyStats) Drop() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

func (s *LatencyStats) Report(took time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Println("\n=== 广播测试结果 ===")
	fmt.Printf("耗时: %v\n", took)
	fmt.Printf("回显成功: %d 发送失败: %d 连接被断开: %d\n", s.count, s.failed, s.dropped)
	if s.count > 0 {
		fmt.Printf("回显延迟 平均: %v 最大: %v 最小: %v\n", s.total/time.Duration(s.count), s.max, s.min)
	}
	if took > 0 {
		fmt.Printf("消息吞吐: %.2f msg/s\n", float64(s.count)/took.Seconds())
	}
}

// -------------------- HTTP 准备数据 --------------------

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func postJSON(base, path, token string, body interface{}, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 8 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	if env.Code != 0 {
		return fmt.Errorf("%s: code=%d %s", path, env.Code, env.Message)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

type benchUser struct {
	ID    uint
	Token string
}

func registerUser(base string) (*benchUser, error) {
	name := "bench_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	var data struct {
		User struct {
			ID uint `json:"id"`
		} `json:"user"`
		AccessToken string `json:"access_token"`
	}
	err := postJSON(base, "/api/v1/users/register", "", map[string]string{
		"username": name,
		"email":    name + "@bench.local",
		"password": "bench123",
	}, &data)
	if err != nil {
		return nil, err
	}
	return &benchUser{ID: data.User.ID, Token: data.AccessToken}, nil
}

// createRoom 注册一组用户并由第一个用户创建群聊
func createRoom(base string, idx, size int) (uint, []*benchUser, error) {
	users := make([]*benchUser, 0, size)
	for i := 0; i < size; i++ {
		u, err := registerUser(base)
		if err != nil {
			return 0, nil, err
		}
		users = append(users, u)
	}
	ids := make([]uint, 0, size-1)
	for _, u := range users[1:] {
		ids = append(ids, u.ID)
	}
	var conv struct {
		ID uint `json:"id"`
	}
	err := postJSON(base, "/api/v1/conversations/groups", users[0].Token, map[string]interface{}{
		"name":            fmt.Sprintf("bench-%d-%s", idx, uuid.NewString()[:8]),
		"participant_ids": ids,
	}, &conv)
	return conv.ID, users, err
}

// -------------------- WebSocket 广播压测 --------------------

type inbound struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	SenderID uint   `json:"sender_id"`
	Code     string `json:"code"`
}

func wsURL(base string, convID uint, token string) string {
	u, _ := url.Parse(base)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("/ws/chat/%d", convID)
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String()
}

// runClient 发送perClient条消息，以收到自己消息的回显计算延迟
// 回显收齐后继续读取，直到stop关闭，保证扇出计数完整
func runClient(base string, convID uint, user *benchUser, perClient int, ready, echoed *sync.WaitGroup, start, stop <-chan struct{}, received *atomic.Int64, stats *LatencyStats) {
	var echoOnce sync.Once
	finishEcho := func() { echoOnce.Do(echoed.Done) }
	defer finishEcho()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(base, convID, user.Token), nil)
	ready.Done()
	if err != nil {
		fmt.Printf("连接失败 user=%d: %v\n", user.ID, err)
		for i := 0; i < perClient; i++ {
			stats.Fail()
		}
		return
	}
	defer conn.Close()

	var mu sync.Mutex
	pending := make(map[string]time.Time, perClient)
	allEchoed := make(chan struct{})
	var allOnce sync.Once
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
					stats.Drop()
				}
				return
			}
			var ev inbound
			if json.Unmarshal(raw, &ev) != nil {
				continue
			}
			received.Add(1)
			if ev.Type != "new_message" || ev.SenderID != user.ID {
				continue
			}
			mu.Lock()
			sentAt, ok := pending[ev.Message]
			delete(pending, ev.Message)
			left := len(pending)
			mu.Unlock()
			if !ok {
				continue
			}
			stats.Add(time.Since(sentAt))
			if left == 0 {
				allOnce.Do(func() { close(allEchoed) })
			}
		}
	}()

	<-start
	sent := 0
	for i := 0; i < perClient; i++ {
		body := fmt.Sprintf("bench %d-%d", user.ID, i)
		mu.Lock()
		pending[body] = time.Now()
		mu.Unlock()
		frame, _ := json.Marshal(map[string]string{"type": "new_message", "message": body})
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			mu.Lock()
			delete(pending, body)
			mu.Unlock()
			stats.Fail()
			continue
		}
		sent++
		time.Sleep(5 * time.Millisecond)
	}
	if sent == 0 {
		allOnce.Do(func() { close(allEchoed) })
	}

	select {
	case <-allEchoed:
	case <-readerDone:
	case <-time.After(15 * time.Second):
	}
	mu.Lock()
	for range pending {
		stats.Fail()
	}
	pending = map[string]time.Time{}
	mu.Unlock()
	finishEcho()

	select {
	case <-stop:
	case <-readerDone:
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bench done"),
		time.Now().Add(time.Second))
}

func runBroadcastBench(base string, rooms, perRoom, perClient int, received *atomic.Int64) {
	fmt.Println("\n=== 房间广播测试开始 ===")
	fmt.Printf("目标: %s 房间: %d 每房间连接: %d 每连接消息: %d\n", base, rooms, perRoom, perClient)

	type room struct {
		id    uint
		users []*benchUser
	}
	all := make([]room, 0, rooms)
	for i := 0; i < rooms; i++ {
		id, users, err := createRoom(base, i, perRoom)
		if err != nil {
			fmt.Printf("创建房间失败: %v\n", err)
			return
		}
		all = append(all, room{id: id, users: users})
	}

	stats := &LatencyStats{}
	var ready, echoed, wg sync.WaitGroup
	start := make(chan struct{})
	stop := make(chan struct{})
	for _, r := range all {
		for _, u := range r.users {
			ready.Add(1)
			echoed.Add(1)
			wg.Add(1)
			go func(convID uint, u *benchUser) {
				defer wg.Done()
				runClient(base, convID, u, perClient, &ready, &echoed, start, stop, received, stats)
			}(r.id, u)
		}
	}

	// 全部连接就绪后同时开始发送
	ready.Wait()
	began := time.Now()
	close(start)
	echoed.Wait()
	took := time.Since(began)

	// 等待在途的广播到达后再断开
	time.Sleep(500 * time.Millisecond)
	close(stop)
	wg.Wait()

	stats.Report(took)
	expected := int64(rooms * perRoom * perRoom * perClient)
	fmt.Printf("事件扇出: 期望 %d 实际 %d\n", expected, received.Load())
}

// -------------------- 入口 --------------------

func intArg(idx, def int) int {
	if len(os.Args) > idx {
		if val, err := strconv.Atoi(os.Args[idx]); err == nil && val > 0 {
			return val
		}
	}
	return def
}

func main() {
	rooms := intArg(1, 5)
	perRoom := intArg(2, 10)
	perClient := intArg(3, 20)
	// 群聊至少需要创建者加两名成员
	if perRoom < 3 {
		perRoom = 3
	}

	baseURL := "http://localhost:8080"
	if v := os.Getenv("BENCH_BASE_URL"); v != "" {
		baseURL = v
	}

	fmt.Println("=== 聊天服务广播压测 ===")
	fmt.Printf("开始时间: %s\n", time.Now().Format("2006-01-02 15:04:05"))

	var received atomic.Int64
	mon := NewMonitor(1*time.Second, &received)
	mon.Start()

	runBroadcastBench(baseURL, rooms, perRoom, perClient, &received)

	mon.Stop()
	if err := mon.SaveToFile("bench_monitor.csv"); err != nil {
		fmt.Println("保存监控数据失败:", err)
	} else {
		fmt.Println("监控数据已保存: bench_monitor.csv")
	}

	fmt.Println("\n=== 测试完成 ===")
}
