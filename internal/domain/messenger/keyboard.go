package messenger

// ButtonColor hints how a button is highlighted. Platforms without colors ignore it.
type ButtonColor string

const (
	ColorPrimary   ButtonColor = "primary"
	ColorSecondary ButtonColor = "secondary"
	ColorPositive  ButtonColor = "positive"
	ColorNegative  ButtonColor = "negative"
)

// Button is a keyboard key. A button with a Payload is an inline callback
// button; pressing it produces a payload event instead of a text message.
type Button struct {
	Label   string
	Payload string
	Color   ButtonColor
}

// Keyboard is a platform-neutral layout of button rows.
type Keyboard struct {
	Rows [][]Button

	// Inline attaches the keyboard to the message instead of the input field.
	Inline bool
}

// NewKeyboard creates an empty reply keyboard.
func NewKeyboard() *Keyboard {
	return &Keyboard{}
}

// NewInlineKeyboard creates an empty inline keyboard.
func NewInlineKeyboard() *Keyboard {
	return &Keyboard{Inline: true}
}

// Row appends a row of text buttons with the given color.
func (k *Keyboard) Row(color ButtonColor, labels ...string) *Keyboard {
	row := make([]Button, 0, len(labels))
	for _, l := range labels {
		row = append(row, Button{Label: l, Color: color})
	}
	k.Rows = append(k.Rows, row)
	return k
}

// CallbackRow appends a row with a single payload button.
func (k *Keyboard) CallbackRow(label, payload string) *Keyboard {
	k.Rows = append(k.Rows, []Button{{Label: label, Payload: payload, Color: ColorPrimary}})
	return k
}

// IsEmpty reports whether the keyboard has no buttons.
func (k *Keyboard) IsEmpty() bool {
	return k == nil || len(k.Rows) == 0
}
