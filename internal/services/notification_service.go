package services

import (
	"fmt"
	"regexp"

	"github.com/containrrr/shoutrrr"

	"github.com/aegisgate/aegis/internal/logger"
)

// NotificationService pushes operational events (bans issued, apply failures)
// to configured shoutrrr URLs. Sends are best effort and asynchronous.
type NotificationService struct {
	urls []string
}

func NewNotificationService(urls []string) *NotificationService {
	normalized := make([]string, 0, len(urls))
	for _, url := range urls {
		normalized = append(normalized, normalizeURL(url))
	}
	return &NotificationService{urls: normalized}
}

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

// normalizeURL accepts raw Discord webhook URLs alongside shoutrrr URLs.
func normalizeURL(rawURL string) string {
	matches := discordWebhookRegex.FindStringSubmatch(rawURL)
	if len(matches) == 3 {
		return fmt.Sprintf("discord://%s@%s", matches[2], matches[1])
	}
	return rawURL
}

// Send dispatches a message to every configured URL in the background.
func (s *NotificationService) Send(title, message string) {
	if len(s.urls) == 0 {
		return
	}
	body := fmt.Sprintf("%s\n%s", title, message)
	for _, url := range s.urls {
		go func(u string) {
			if err := shoutrrr.Send(u, body); err != nil {
				logger.WithFields(map[string]interface{}{
					"title": title,
				}).WithError(err).Warn("notification send failed")
			}
		}(url)
	}
}
