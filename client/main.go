package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/model"
	"github.com/mahaj/pulsechat/pkg/unread"
)

type LoginResponse struct {
	Token    string      `json:"token"`
	Username identity.ID `json:"username"`
}

func login(apiAddr, path, user, password string) (LoginResponse, error) {
	reqBody, _ := json.Marshal(map[string]string{"username": user, "password": password})
	resp, err := http.Post(apiAddr+path, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return LoginResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return LoginResponse{}, fmt.Errorf("%s failed: %s", path, strings.TrimSpace(string(body)))
	}

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return LoginResponse{}, err
	}
	return loginResp, nil
}

// chat is the terminal client state shared by the reader and the prompt.
type chat struct {
	conn   *websocket.Conn
	me     identity.ID
	api    string
	token  string
	unread *unread.Tracker

	writeMu sync.Mutex

	mu      sync.Mutex
	nextRef int
	pending map[string]string // clientRef -> unsent text
}

func (c *chat) emit(event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(model.Envelope{Event: event, Data: raw})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// target is the receiver or room of the open conversation.
func (c *chat) target() (receiver, room string) {
	active := c.unread.Active()
	if strings.HasPrefix(active, "#") {
		return "", strings.TrimPrefix(active, "#")
	}
	return active, ""
}

func (c *chat) say(text string) error {
	receiver, room := c.target()
	if receiver == "" && room == "" {
		fmt.Println("open a conversation first: /open <user> or /room <room>")
		return nil
	}

	c.mu.Lock()
	c.nextRef++
	ref := "c" + strconv.Itoa(c.nextRef)
	c.pending[ref] = text
	c.mu.Unlock()

	return c.emit(model.EventSendMessage, model.SendMessageRequest{
		Sender:    string(c.me),
		Receiver:  receiver,
		RoomID:    room,
		Body:      text,
		ClientRef: ref,
	})
}

// settle forgets the oldest pending text matching an echoed message.
func (c *chat) settle(m model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := make([]string, 0, len(c.pending))
	for ref, text := range c.pending {
		if text == m.Body {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return
	}
	sort.Slice(refs, func(i, j int) bool { return refNum(refs[i]) < refNum(refs[j]) })
	delete(c.pending, refs[0])
}

func refNum(ref string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(ref, "c"))
	return n
}

func (c *chat) markRead(peer string) {
	body, _ := json.Marshal(map[string]string{"peer": peer})
	req, err := http.NewRequest(http.MethodPost, c.api+"/conversations/read", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		glog.V(1).Infof("mark read %s: %v", peer, err)
		return
	}
	resp.Body.Close()
}

func (c *chat) handle(raw []byte) {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		fmt.Printf("\rreceived raw: %s\n> ", raw)
		return
	}

	switch env.Event {
	case model.EventJoined:
		fmt.Printf("\rjoined as %s\n> ", c.me)

	case model.EventReceiveMessage:
		var m model.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return
		}
		if m.Sender == c.me {
			c.settle(m)
		}
		key := c.unread.Observe(m, c.me)
		if key == c.unread.Active() {
			fmt.Printf("\r[%d] %s: %s\n> ", m.ID, m.Sender, m.Body)
		} else {
			fmt.Printf("\r(%d unread from %s)\n> ", c.unread.Count(key), key)
		}

	case model.EventTyping, model.EventStopTyping:
		var p model.TypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		if env.Event == model.EventTyping {
			fmt.Printf("\r%s is typing...\n> ", p.From)
		} else {
			fmt.Printf("\r%s stopped typing\n> ", p.From)
		}

	case model.EventMessageDeleted:
		var id string
		_ = json.Unmarshal(env.Data, &id)
		fmt.Printf("\rmessage %s was deleted\n> ", id)

	case model.EventError:
		var e model.ErrorPayload
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return
		}
		fmt.Printf("\rerror %s on %s: %s\n", e.Code, e.Event, e.Message)
		if e.ClientRef != "" {
			c.mu.Lock()
			text, ok := c.pending[e.ClientRef]
			delete(c.pending, e.ClientRef)
			c.mu.Unlock()
			if ok {
				fmt.Printf("unsent: %s\n", text)
			}
		}
		fmt.Print("> ")
	}
}

func (c *chat) command(text string) (quit bool, err error) {
	fields := strings.Fields(text)
	receiver, _ := c.target()

	switch fields[0] {
	case "/quit":
		return true, nil
	case "/open":
		if len(fields) < 2 {
			fmt.Println("usage: /open <user>")
			return false, nil
		}
		peer := identity.MustNormalize(fields[1])
		c.unread.Open(string(peer))
		go c.markRead(string(peer))
		fmt.Printf("talking to %s\n", peer)
	case "/room":
		if len(fields) < 2 {
			fmt.Println("usage: /room <room>")
			return false, nil
		}
		room, err := identity.NormalizeRoom(fields[1])
		if err != nil {
			fmt.Println(err)
			return false, nil
		}
		c.unread.Open("#" + room)
		return false, c.emit(model.EventJoinRoom, room)
	case "/leave":
		if len(fields) < 2 {
			fmt.Println("usage: /leave <room>")
			return false, nil
		}
		return false, c.emit(model.EventLeaveRoom, fields[1])
	case "/typing", "/stoptyping":
		if receiver == "" {
			fmt.Println("typing only goes to a user: /open <user>")
			return false, nil
		}
		event := model.EventTyping
		if fields[0] == "/stoptyping" {
			event = model.EventStopTyping
		}
		return false, c.emit(event, model.TypingPayload{From: string(c.me), To: receiver})
	case "/delete":
		if len(fields) < 2 {
			fmt.Println("usage: /delete <id>")
			return false, nil
		}
		return false, c.emit(model.EventDeleteMessage, fields[1])
	case "/unread":
		counts := c.unread.Counts()
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %d\n", k, counts[k])
		}
	default:
		fmt.Println("commands: /open /room /leave /typing /stoptyping /delete /unread /quit")
	}
	return false, nil
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	user := flag.String("user", "user1", "username")
	password := flag.String("password", "changeme", "password")
	register := flag.Bool("register", false, "register the user before connecting")
	peer := flag.String("dm", "", "user to open a conversation with")
	flag.Parse()
	defer glog.Flush()

	path := "/auth/login"
	if *register {
		path = "/auth/register"
	}
	session, err := login(*apiAddr, path, *user, *password)
	if err != nil {
		glog.Exitf("login: %v", err)
	}

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+session.Token)
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		glog.Exitf("dial %s: %v", u.String(), err)
	}
	defer conn.Close()

	c := &chat{
		conn:    conn,
		me:      session.Username,
		api:     *apiAddr,
		token:   session.Token,
		unread:  unread.NewTracker(),
		pending: make(map[string]string),
	}
	if err := c.emit(model.EventJoin, string(c.me)); err != nil {
		glog.Exitf("join: %v", err)
	}
	if *peer != "" {
		c.command("/open " + *peer)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				fmt.Println("read:", err)
				return
			}
			c.handle(message)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			var err error
			switch {
			case text == "":
			case strings.HasPrefix(text, "/"):
				var quit bool
				quit, err = c.command(text)
				if quit {
					interrupt <- os.Interrupt
					return
				}
			default:
				err = c.say(text)
			}
			if err != nil {
				fmt.Println("write:", err)
				return
			}
			fmt.Print("> ")
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			// Cleanly close the connection by sending a close message and then
			// waiting (with timeout) for the server to close the connection.
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			if err != nil {
				fmt.Println("write close:", err)
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
