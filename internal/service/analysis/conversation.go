package analysis

import (
	"github.com/ashita-ai/verity/internal/model"
)

// conversation is the running state of one orchestration: the transcript
// sent to the engine and the tools actually invoked so far.
type conversation struct {
	system   string
	messages []Message
	started  []startedTool
}

// startedTool is an invocation that has been narrated with tool_start and
// still owes a tool_complete.
type startedTool struct {
	id   string
	kind model.ToolKind
}

func newConversation(system, userText string) *conversation {
	return &conversation{
		system: system,
		messages: []Message{{
			Role:    RoleUser,
			Content: []ContentBlock{{Type: BlockText, Text: userText}},
		}},
	}
}

// request builds the next engine call from the transcript.
func (c *conversation) request(tools []ToolSpec, choice ToolChoice) Request {
	msgs := make([]Message, len(c.messages))
	copy(msgs, c.messages)
	return Request{System: c.system, Messages: msgs, Tools: tools, ToolChoice: choice}
}

// addReply folds an engine reply into the transcript.
func (c *conversation) addReply(resp Response) {
	if len(resp.Content) == 0 {
		return
	}
	c.messages = append(c.messages, Message{Role: RoleAssistant, Content: resp.Content})
}

// addToolResults appends the results that pair with the previous reply's
// tool-use blocks.
func (c *conversation) addToolResults(results []ContentBlock) {
	if len(results) == 0 {
		return
	}
	c.messages = append(c.messages, Message{Role: RoleTool, Content: results})
}

func (c *conversation) addUserText(text string) {
	c.messages = append(c.messages, Message{
		Role:    RoleUser,
		Content: []ContentBlock{{Type: BlockText, Text: text}},
	})
}

func (c *conversation) markStarted(id string, kind model.ToolKind) {
	c.started = append(c.started, startedTool{id: id, kind: kind})
}

// takeStarted returns and clears the tools awaiting tool_complete.
func (c *conversation) takeStarted() []startedTool {
	s := c.started
	c.started = nil
	return s
}
