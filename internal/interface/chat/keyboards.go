package chat

import "github.com/chsu-bot/schedule-notifier/internal/domain/messenger"

// Button labels. Incoming text is matched against them verbatim.
const (
	BtnStart         = "Начать"
	CmdStart         = "/start"
	BtnChangeEntity  = "Изменить группу"
	BtnProfessor     = "Преподаватель"
	BtnStudent       = "Студент"
	BtnAnotherDay    = "Расписание на другой день"
	BtnCancel        = "Отмена"
	BtnMailing       = "Рассылка"
	BtnUnsubscribe   = "Отписаться"
	BtnSettings      = "Настройки"
	BtnChanges       = "Изменения в расписании"
	BtnTrack         = "Отслеживать изменения"
	BtnDontTrack     = "Не отслеживать изменения"
	BtnToday         = "Расписание на сегодня"
	BtnTomorrow      = "Расписание на завтра"
	adminMessageMark = ";"
	adminReplyMark   = "!"
)

// ══════════════════════════════════════════════════════════════════════════════
// KEYBOARD BUILDER
// ══════════════════════════════════════════════════════════════════════════════

// KeyboardBuilder builds the reply keyboards of every dialog step.
type KeyboardBuilder struct{}

// NewKeyboardBuilder creates a new KeyboardBuilder.
func NewKeyboardBuilder() *KeyboardBuilder {
	return &KeyboardBuilder{}
}

// Start asks who the user is.
func (b *KeyboardBuilder) Start() *messenger.Keyboard {
	return messenger.NewKeyboard().
		Row(messenger.ColorPrimary, BtnStudent, BtnProfessor)
}

// ChangeEntity is shown when the user wants another group or professor.
func (b *KeyboardBuilder) ChangeEntity() *messenger.Keyboard {
	return messenger.NewKeyboard().
		Row(messenger.ColorPrimary, BtnStudent, BtnProfessor).
		Row(messenger.ColorNegative, BtnCancel)
}

// Standard is the main menu.
func (b *KeyboardBuilder) Standard() *messenger.Keyboard {
	return messenger.NewKeyboard().
		Row(messenger.ColorPrimary, BtnToday, BtnTomorrow).
		Row(messenger.ColorPrimary, BtnAnotherDay).
		Row(messenger.ColorSecondary, BtnSettings)
}

// Settings lists the user's options.
func (b *KeyboardBuilder) Settings() *messenger.Keyboard {
	return messenger.NewKeyboard().
		Row(messenger.ColorPrimary, BtnChangeEntity).
		Row(messenger.ColorPrimary, BtnMailing, BtnChanges).
		Row(messenger.ColorNegative, BtnCancel)
}

// Cancel has a single cancel button.
func (b *KeyboardBuilder) Cancel() *messenger.Keyboard {
	return messenger.NewKeyboard().
		Row(messenger.ColorNegative, BtnCancel)
}

// Mailing is shown while the user enters a mailing time.
func (b *KeyboardBuilder) Mailing() *messenger.Keyboard {
	return messenger.NewKeyboard().
		Row(messenger.ColorSecondary, BtnUnsubscribe).
		Row(messenger.ColorNegative, BtnCancel)
}

// Tracking toggles change notifications.
func (b *KeyboardBuilder) Tracking() *messenger.Keyboard {
	return messenger.NewKeyboard().
		Row(messenger.ColorPositive, BtnTrack).
		Row(messenger.ColorNegative, BtnDontTrack).
		Row(messenger.ColorSecondary, BtnCancel)
}

// Empty hides the keyboard while the user types free text.
func (b *KeyboardBuilder) Empty() *messenger.Keyboard {
	return messenger.NewKeyboard()
}
