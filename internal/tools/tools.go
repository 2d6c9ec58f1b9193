// Package tools defines the fixed set of tools the model may call, the
// decision envelope it answers with, and the dispatcher that executes a
// call against the injected capabilities.
package tools

// Kind is the tool_type tag of a tool call.
type Kind string

const (
	KindSendMessage      Kind = "send_message"
	KindSendVoiceMessage Kind = "send_voice_message"
	KindMemoryInsert     Kind = "memory_insert"
	KindMemoryRetrieve   Kind = "memory_retrieve"
	KindDiceRoll         Kind = "dice_roll"
	KindAddReaction      Kind = "add_reaction"
	KindGenerateImage    Kind = "generate_image"
)

// Call is one validated tool invocation. The set of implementations is
// closed: every type that satisfies Call is declared in this file.
type Call interface {
	Kind() Kind
	isCall()
}

// SendMessage replies to the user with text. It is the final-reply tool:
// the turn ends after it unless CallAnotherTool is set.
type SendMessage struct {
	Content         string `json:"content" jsonschema_description:"Content of the message to send. Make it short and concise."`
	CallAnotherTool bool   `json:"call_another_tool" jsonschema_description:"Whether to call another tool after sending this message."`
}

// SendVoiceMessage speaks Content with text-to-speech.
type SendVoiceMessage struct {
	Content string `json:"content" jsonschema_description:"Content of the voice message to send. Make it short and concise. No emojis or special characters, as the text-to-speech model may not support them."`
}

type MemoryInsert struct {
	Memory string `json:"memory" jsonschema_description:"Detailed description of the memory to remember. Make it as detailed as possible."`
}

type MemoryRetrieve struct {
	Memory string `json:"memory" jsonschema_description:"Detailed description of the memory to retrieve."`
}

type DiceRoll struct {
	Sides int `json:"sides" jsonschema_description:"Number of sides on the dice to roll."`
}

// AddReaction reacts to the message that started the turn.
type AddReaction struct {
	Emoji string `json:"emoji" jsonschema_description:"Emoji to react with."`
}

type GenerateImage struct {
	Prompt string `json:"prompt" jsonschema_description:"Prompt to generate the image with."`
}

func (SendMessage) Kind() Kind      { return KindSendMessage }
func (SendVoiceMessage) Kind() Kind { return KindSendVoiceMessage }
func (MemoryInsert) Kind() Kind     { return KindMemoryInsert }
func (MemoryRetrieve) Kind() Kind   { return KindMemoryRetrieve }
func (DiceRoll) Kind() Kind         { return KindDiceRoll }
func (AddReaction) Kind() Kind      { return KindAddReaction }
func (GenerateImage) Kind() Kind    { return KindGenerateImage }

func (SendMessage) isCall()      {}
func (SendVoiceMessage) isCall() {}
func (MemoryInsert) isCall()     {}
func (MemoryRetrieve) isCall()   {}
func (DiceRoll) isCall()         {}
func (AddReaction) isCall()      {}
func (GenerateImage) isCall()    {}

// definition ties a kind to its argument type and the description shown
// to the model.
type definition struct {
	kind        Kind
	name        string
	description string
	newCall     func() Call
}

// definitions lists every tool, sorted by type name. Catalog and the
// decision schema are rendered in this order.
var definitions = []definition{
	{
		kind:        KindAddReaction,
		name:        "AddReaction",
		description: "A tool to add a reaction to the last user message. Use this tool as a way to express emotions or reactions to the user's message.",
		newCall:     func() Call { return &AddReaction{} },
	},
	{
		kind:        KindDiceRoll,
		name:        "DiceRoll",
		description: "A tool to roll a dice.",
		newCall:     func() Call { return &DiceRoll{} },
	},
	{
		kind:        KindGenerateImage,
		name:        "GenerateImage",
		description: "A tool to generate an image based on a prompt.",
		newCall:     func() Call { return &GenerateImage{} },
	},
	{
		kind:        KindMemoryInsert,
		name:        "MemoryInsert",
		description: "A tool to insert a memory into the vector database. Memories are used to remember important information for later use. Utilize this tool often to remember as much as possible.",
		newCall:     func() Call { return &MemoryInsert{} },
	},
	{
		kind:        KindMemoryRetrieve,
		name:        "MemoryRetrieve",
		description: "A tool to retrieve a memory from the vector database. Memories are used to remember important information for later use. Utilize this tool often to remember as much as possible.",
		newCall:     func() Call { return &MemoryRetrieve{} },
	},
	{
		kind:        KindSendMessage,
		name:        "SendMessage",
		description: "A tool to send a message to the user. Make it short and concise, and if you need to send a long message, split it into multiple messages using `call_another_tool`.",
		newCall:     func() Call { return &SendMessage{} },
	},
	{
		kind:        KindSendVoiceMessage,
		name:        "SendVoiceMessage",
		description: "A tool to send a voice message to the user. You are able to speak using your voice this way. Uses a text-to-speech model to generate the voice message.",
		newCall:     func() Call { return &SendVoiceMessage{} },
	},
}

func lookup(k Kind) (definition, bool) {
	for _, d := range definitions {
		if d.kind == k {
			return d, true
		}
	}
	return definition{}, false
}

// Kinds returns every tool kind in catalogue order.
func Kinds() []Kind {
	out := make([]Kind, len(definitions))
	for i, d := range definitions {
		out[i] = d.kind
	}
	return out
}

// Valid reports whether k names a known tool.
func (k Kind) Valid() bool {
	_, ok := lookup(k)
	return ok
}

// IsFinalReply reports whether c ends the turn once dispatched: a
// send_message that does not ask for another tool.
func IsFinalReply(c Call) bool {
	switch sm := c.(type) {
	case *SendMessage:
		return !sm.CallAnotherTool
	case SendMessage:
		return !sm.CallAnotherTool
	}
	return false
}
