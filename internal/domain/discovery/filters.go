package discovery

import (
	"fmt"
	"regexp"
	"strings"

	"telegram-osint/internal/infra/config"
	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/telegram/resolver"
)

// FilterSet — скомпилированные фильтры кандидатов. Используется и поиском,
// и краулером: канал, отсеянный дискавери, не должен просочиться через
// обход по упоминаниям.
type FilterSet struct {
	minMembers    int
	nameIncludes  []string
	blockPatterns []*regexp.Regexp
	allowTypes    map[string]struct{}
}

// NewFilterSet компилирует фильтры из конфига. Битые регулярные выражения
// пропускаются с предупреждением — о них уже сообщила загрузка конфига,
// здесь только повторная страховка.
func NewFilterSet(f config.DiscoveryFilters, allowTypes []string) *FilterSet {
	fs := &FilterSet{
		minMembers: f.MinMembers,
		allowTypes: make(map[string]struct{}, len(allowTypes)),
	}
	for _, name := range f.NameMustInclude {
		fs.nameIncludes = append(fs.nameIncludes, strings.ToLower(name))
	}
	for _, pat := range f.UsernameBlockPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			logger.Warnf("discovery: skip pattern %q: %v", pat, err)
			continue
		}
		fs.blockPatterns = append(fs.blockPatterns, re)
	}
	for _, t := range allowTypes {
		fs.allowTypes[t] = struct{}{}
	}
	return fs
}

// Pass проверяет сущность против фильтров и возвращает причину отказа.
// Пустая причина означает, что кандидат принят.
func (fs *FilterSet) Pass(ent resolver.Entity) (bool, string) {
	if len(fs.allowTypes) > 0 {
		if _, ok := fs.allowTypes[ent.Kind]; !ok {
			return false, fmt.Sprintf("type %q not allowed", ent.Kind)
		}
	}

	// Отрицательный счётчик означает «неизвестно»: такой канал проходит.
	if fs.minMembers > 0 && ent.Participants >= 0 && ent.Participants < fs.minMembers {
		return false, fmt.Sprintf("members %d < %d", ent.Participants, fs.minMembers)
	}

	// Без публичного юзернейма канал не адресуем между запусками.
	username := strings.ToLower(ent.Username)
	if username == "" {
		return false, "no public username"
	}

	if len(fs.nameIncludes) > 0 {
		title := strings.ToLower(ent.Title)
		found := false
		for _, want := range fs.nameIncludes {
			if strings.Contains(title, want) || strings.Contains(username, want) {
				found = true
				break
			}
		}
		if !found {
			return false, "name does not match name_must_include"
		}
	}

	for _, re := range fs.blockPatterns {
		if re.MatchString(username) {
			return false, fmt.Sprintf("username matches block pattern %s", re)
		}
	}

	return true, ""
}
