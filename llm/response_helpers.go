package llm

import "fmt"

// FirstChoice safely returns the first choice from a ChatResponse.
// Returns an error if the response is nil or has no choices.
func FirstChoice(resp *ChatResponse) (ChatChoice, error) {
	if resp == nil {
		return ChatChoice{}, fmt.Errorf("nil ChatResponse")
	}
	if len(resp.Choices) == 0 {
		return ChatChoice{}, fmt.Errorf("empty choices in ChatResponse (model returned no choices)")
	}
	return resp.Choices[0], nil
}

// AssistantMessage 返回第一个选项的消息，没有选项时返回空的 assistant 消息
func AssistantMessage(resp *ChatResponse) Message {
	choice, err := FirstChoice(resp)
	if err != nil {
		return Message{Role: RoleAssistant}
	}
	return choice.Message
}
