package notify

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

const DefaultLanguage = "en"

// L maps a language code to interchangeable phrasings of one notice.
type L map[string][]string

// Pick returns one phrasing for lang, falling back to English and then to any
// language present.
func Pick(pool L, lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	for _, key := range []string{lang, DefaultLanguage} {
		if variants := pool[key]; len(variants) > 0 {
			return variants[rand.IntN(len(variants))]
		}
	}
	for _, variants := range pool {
		if len(variants) > 0 {
			return variants[0]
		}
	}
	return ""
}

// Format picks a phrasing and fills it with args.
func Format(pool L, lang string, args ...any) string {
	tmpl := Pick(pool, lang)
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}

var (
	// args: department name, lead name, executor name, subtask count
	BatchAssigned = L{
		"en": {
			"[%s] %s assigned %s to %d delegated subtask(s).",
			"[%s] %s handed %s a batch of %d subtask(s).",
		},
		"ko": {"[%s] %s 팀장이 %s에게 위임 하위 작업 %d건을 배정했습니다."},
		"ja": {"[%s] %sが%sに委任サブタスク%d件を割り当てました。"},
		"zh": {"[%s] %s 已将委派子任务分配给 %s，共 %d 个。"},
	}
	// args: department name
	LeadMissing = L{
		"en": {"[%s] has no team lead; its delegated subtasks were closed without a run."},
		"ko": {"[%s] 팀장이 없어 위임 하위 작업을 실행 없이 종료했습니다."},
	}
	// args: parent title
	AllSubtasksComplete = L{
		"en": {
			"All delegated subtasks for '%s' are complete.",
			"Every department finished its part of '%s'.",
		},
		"ko": {"'%s'의 모든 위임 하위 작업이 완료되었습니다."},
		"ja": {"「%s」の委任サブタスクがすべて完了しました。"},
		"zh": {"“%s”的所有委派子任务均已完成。"},
	}
	// args: department name, job title
	BatchFailed = L{
		"en": {"[%s] delegated job '%s' did not finish cleanly; its subtasks are blocked."},
		"ko": {"[%s] 위임 작업 '%s'이(가) 실패하여 하위 작업이 차단되었습니다."},
	}
)
