package loop

import (
	"regexp"
	"strings"
)

const (
	// ContinuePhrase 模型请求继续工作时输出的机器可读短语
	ContinuePhrase = "CONTINUE_WORK_SIGNAL"
	// StopPhrase 模型声明工作完成时输出的短语
	StopPhrase = "WORK_COMPLETE_SIGNAL"
)

// SignalPhrases 需要从对外文本中移除的短语
var SignalPhrases = []string{ContinuePhrase, StopPhrase}

var (
	softCuePattern = regexp.MustCompile(`(?i)\b(let me|i'll|i will|i'm going to|i am going to|next,? i|now i'll|i need to)\b`)
	stopPattern    = regexp.MustCompile(`(?i)\b(all done|task (is )?complete|nothing (else|more) to do|that'?s everything)\b`)
)

// TextSignals 正文中的继续/完成信号
type TextSignals struct {
	Canonical bool
	SoftCue   bool
	Stop      bool
}

// ScanText 检测正文中的信号短语
func ScanText(text string) TextSignals {
	return TextSignals{
		Canonical: strings.Contains(text, ContinuePhrase),
		SoftCue:   softCuePattern.MatchString(text),
		Stop:      strings.Contains(text, StopPhrase) || stopPattern.MatchString(text),
	}
}

// StripSignals 移除信号短语并修剪空白
func StripSignals(text string) string {
	for _, p := range SignalPhrases {
		text = strings.ReplaceAll(text, p, "")
	}
	return strings.TrimSpace(text)
}
