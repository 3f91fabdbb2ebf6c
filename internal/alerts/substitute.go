package alerts

import (
	"strconv"
	"strings"

	"github.com/ovrly/overlayd/internal/domain"
)

// RewardTitleFallback is substituted for ${reward_title} when the event
// carries no reward title. All other variables substitute to "" when absent.
const RewardTitleFallback = "a reward"

// substitute performs ${variable} substitution on template text. It is
// textual, global (all occurrences), case-sensitive, and single-pass:
// substituted content is never re-scanned, so values containing placeholder
// syntax do not re-trigger.
func substitute(text string, ev domain.Event) string {
	title := ev.RewardTitle
	if title == "" {
		title = RewardTitleFallback
	}
	cost := ""
	if ev.Kind == domain.KindRedemption {
		cost = strconv.Itoa(ev.RewardCost)
	}
	r := strings.NewReplacer(
		"${username}", ev.Username,
		"${user_display_name}", ev.DisplayName,
		"${reward_title}", title,
		"${reward_cost}", cost,
		"${user_input}", ev.UserInput,
	)
	return r.Replace(text)
}

// fallbackText synthesizes the default alert sentence used when no template
// exists for an event.
func fallbackText(ev domain.Event) string {
	switch ev.Kind {
	case domain.KindFollow:
		return ev.DisplayName + " just followed!"
	case domain.KindSubscription:
		return ev.DisplayName + " just subscribed!"
	default:
		title := ev.RewardTitle
		if title == "" {
			title = RewardTitleFallback
		}
		return ev.DisplayName + " redeemed " + title
	}
}
