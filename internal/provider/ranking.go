package provider

import (
	"sort"
	"strings"

	"github.com/raphaelgruber/polychat/internal/models"
)

// nonChatMarkers identify catalog entries that cannot serve chat completions.
var nonChatMarkers = []string{"embed", "tts", "whisper", "moderation", "aqa", "dall-e", "transcribe", "imagen", "image-generation"}

var (
	geminiTiers = []string{"flash", "pro"}
	openAITiers = []string{"mini", "instant", "fast"}
)

func isChatModel(id string) bool {
	id = strings.ToLower(id)
	for _, m := range nonChatMarkers {
		if strings.Contains(id, m) {
			return false
		}
	}
	return true
}

// rankModels orders models by the first tier marker their id contains,
// earlier tiers first, and by id within a tier.
func rankModels(ms []models.Model, tiers []string) []models.Model {
	tier := func(id string) int {
		id = strings.ToLower(id)
		for i, marker := range tiers {
			if strings.Contains(id, marker) {
				return i
			}
		}
		return len(tiers)
	}

	out := append([]models.Model(nil), ms...)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := tier(out[i].ID), tier(out[j].ID)
		if ti != tj {
			return ti < tj
		}
		return out[i].ID < out[j].ID
	})
	return out
}
