package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

var (
	baseURL   = flag.String("url", "http://localhost:8080", "server base url")
	pairCount = flag.Int("pairs", 50, "agent/tenant pairs to simulate")
	msgCount  = flag.Int("messages", 20, "messages per user")
	password  = "password123"
)

type loginResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

type stats struct {
	sent, failed, frames atomic.Int64
}

func main() {
	flag.Parse()
	log.Info("🔥 STARTING STRESS TEST", "users", *pairCount*2, "messages_per_user", *msgCount)

	var st stats
	start := time.Now()
	var wg sync.WaitGroup

	// Pair i is agent u_<run>_<i>_a talking to tenant u_<run>_<i>_b.
	run := time.Now().Unix()
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(fmt.Sprintf("u_%d_%d", run, pairID), &st)
		}(i)
	}

	wg.Wait()
	log.Info("✅ LOAD TEST COMPLETE",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"sent", st.sent.Load(),
		"failed", st.failed.Load(),
		"feed_frames", st.frames.Load())
}

func runPair(prefix string, st *stats) {
	agent := authenticate(prefix+"_a@loadtest.local", "agent")
	tenant := authenticate(prefix+"_b@loadtest.local", "tenant")
	if agent == nil || tenant == nil {
		return
	}

	convID := createConversation(agent.Token, tenant.ID)
	if convID == "" {
		return
	}

	// The tenant watches the inbox while both sides talk.
	feedDone := make(chan struct{})
	stopFeed := watchInbox(tenant.Token, st, feedDone)

	var wg sync.WaitGroup
	wg.Add(2)
	go spamChat(&wg, agent.Token, convID, prefix+"_a", st)
	go spamChat(&wg, tenant.Token, convID, prefix+"_b", st)
	wg.Wait()

	stopFeed()
	<-feedDone

	fire(http.MethodPost, "/api/conversations/"+convID+"/read", tenant.Token)
	fire(http.MethodDelete, "/api/conversations/"+convID, agent.Token)
	fire(http.MethodDelete, "/api/conversations/"+convID, tenant.Token)
}

func fire(method, path, token string) {
	resp, err := call(method, path, token, nil)
	if err != nil {
		log.Error("❌ request failed", "method", method, "path", path, "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		log.Error("❌ request rejected", "method", method, "path", path, "status", resp.StatusCode)
	}
}

// authenticate registers (ignores error if exists) and logs in.
func authenticate(email, role string) *loginResponse {
	resp, err := call(http.MethodPost, "/register", "", map[string]string{
		"email":      email,
		"password":   password,
		"first_name": strings.SplitN(email, "@", 2)[0],
		"role":       role,
	})
	if err == nil {
		resp.Body.Close()
	}

	resp, err = call(http.MethodPost, "/login", "", map[string]string{"email": email, "password": password})
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Error("❌ Login Failed", "email", email, "err", err)
		return nil
	}
	defer resp.Body.Close()

	var data loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Error("❌ Login Failed", "email", email, "err", err)
		return nil
	}
	return &data
}

func createConversation(token, otherID string) string {
	resp, err := call(http.MethodPost, "/api/conversations", token, map[string]string{"otherUserId": otherID})
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Error("❌ Create Chat Failed", "err", err)
		return ""
	}
	defer resp.Body.Close()

	var data struct {
		ID string `json:"conversationId"`
	}
	json.NewDecoder(resp.Body).Decode(&data)
	return data.ID
}

func watchInbox(token string, st *stats, done chan<- struct{}) (stop func()) {
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws/conversations?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Error("❌ WS Connect Fail", "err", err)
		close(done)
		return func() {}
	}

	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			st.frames.Add(1)
		}
	}()
	return func() { conn.Close() }
}

func spamChat(wg *sync.WaitGroup, token, convID, who string, st *stats) {
	defer wg.Done()

	for i := 0; i < *msgCount; i++ {
		resp, err := call(http.MethodPost, "/api/conversations/"+convID+"/messages", token, map[string]string{
			"content": fmt.Sprintf("LoadTest Msg %d from %s", i, who),
		})
		if err != nil || resp.StatusCode != http.StatusCreated {
			st.failed.Add(1)
			if err == nil {
				resp.Body.Close()
			}
			continue
		}
		resp.Body.Close()
		st.sent.Add(1)

		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	log.Debug("✅ finished sending", "user", who, "messages", *msgCount)
}

func call(method, path, token string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, *baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
