package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/veda/backend/internal/auth"
	"github.com/zhouzirui/veda/backend/internal/config"
	"github.com/zhouzirui/veda/backend/internal/logging"
)

func main() {
	if err := logging.Setup("info", "console"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("无法加载 .env，改用系统环境变量")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("配置加载失败")
	}

	addr := flag.String("addr", "ws://localhost:8080", "服务端 WebSocket 地址")
	conversation := flag.String("conversation", "", "会话 ID（需已存在且属于 -user）")
	user := flag.String("user", "", "签发令牌使用的用户 ID")
	text := flag.String("text", "I have a headache", "发送的消息内容")
	clientID := flag.String("client-id", "", "client_message_id，留空则自动生成")
	resume := flag.String("resume", "", "仅发送 resume，指定 lastMessageId")
	timeout := flag.Duration("timeout", 3*time.Minute, "等待 done/error 的最长时间")

	flag.Parse()

	if *conversation == "" || *user == "" {
		flag.Usage()
		log.Fatal().Msg("请通过 -conversation 和 -user 指定会话与用户")
	}

	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Algorithm)
	if err != nil {
		log.Fatal().Err(err).Msg("令牌签发器初始化失败")
	}
	token, err := verifier.Issue(*user, 15*time.Minute)
	if err != nil {
		log.Fatal().Err(err).Msg("令牌签发失败")
	}

	target := fmt.Sprintf("%s/ws/conversations/%s?token=%s", *addr, url.PathEscape(*conversation), url.QueryEscape(token))
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("连接失败")
	}
	defer conn.Close()

	var frame map[string]any
	if *resume != "" {
		frame = map[string]any{"type": "resume", "conversationId": *conversation, "lastMessageId": *resume}
	} else {
		id := *clientID
		if id == "" {
			id = fmt.Sprintf("wsprobe-%d", time.Now().UnixNano())
		}
		frame = map[string]any{"type": "message", "text": *text, "client_message_id": id}
	}
	if err := conn.WriteJSON(frame); err != nil {
		log.Fatal().Err(err).Msg("发送失败")
	}

	deadline := time.Now().Add(*timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				log.Fatal().Int("code", ce.Code).Str("reason", ce.Text).Msg("连接被服务端关闭")
			}
			log.Fatal().Err(err).Msg("读取失败")
		}
		fmt.Println(string(data))

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		switch envelope.Type {
		case "done", "error", "resume_ack":
			return
		}
	}
}
