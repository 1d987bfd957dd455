package loop

// Decision 一轮结束后的去向
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionSleep    Decision = "sleep"
	DecisionIdle     Decision = "idle"
)

// Signals 决定是否继续所需的全部输入
type Signals struct {
	// SleepAlone sleep 是本批唯一的工具调用
	SleepAlone bool
	// WillContinue 工具显式给出的 will_continue_work，nil 表示未给出
	WillContinue *bool
	// Unresolved 存在未解决的工具错误/警告或纠正提示
	Unresolved bool
	// CanonicalPhrase 正文包含机器可读的继续短语
	CanonicalPhrase bool
	// OtherTools 执行了 sleep 以外的工具
	OtherTools bool
	// AutoSleepOK 执行的工具都允许随后自动空闲
	AutoSleepOK bool
	// SoftCue 正文包含自然语言的继续暗示
	SoftCue bool
	// StopPhrase 正文包含完成短语
	StopPhrase bool
	// PendingWork 存在外部跟踪的未完成工作项
	PendingWork bool
}

// Decide 按固定优先级给出决定，reason 用于日志
func Decide(s Signals) (Decision, string) {
	switch {
	case s.SleepAlone:
		return DecisionSleep, "sleep_tool"
	case s.WillContinue != nil && !*s.WillContinue:
		return DecisionIdle, "will_continue_false"
	case s.Unresolved:
		return DecisionContinue, "unresolved_tool_result"
	case s.WillContinue != nil && *s.WillContinue:
		return DecisionContinue, "will_continue_true"
	case s.CanonicalPhrase:
		return DecisionContinue, "continue_phrase"
	case s.OtherTools && !s.AutoSleepOK:
		return DecisionContinue, "tool_calls"
	case s.SoftCue && !s.StopPhrase && s.PendingWork:
		return DecisionContinue, "soft_cue_pending_work"
	default:
		return DecisionIdle, "no_continuation"
	}
}
