package ws

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler upgrades spectator connections and parks them on the broadcaster.
// The read loop exists only to detect disconnects; spectators never send.
func Handler(b *Broadcaster, allowedOrigins []string, log zerolog.Logger) http.HandlerFunc {
	origins := make(map[string]bool)
	hosts := make(map[string]bool)
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		origins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			hosts[parsed.Host] = true
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r, origins, hosts)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("ws upgrade error")
			return
		}

		log.Debug().Str("remote", r.RemoteAddr).Msg("spectator connected")
		c := b.AddClient(conn)

		go func() {
			defer func() {
				b.RemoveClient(c)
				log.Debug().Str("remote", r.RemoteAddr).Msg("spectator disconnected")
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func checkOrigin(r *http.Request, origins, hosts map[string]bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(origins) > 0 {
		if origins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return hosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}
