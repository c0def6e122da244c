// Package dialogs holds the banking bot's single-turn dialogs.
package dialogs

import (
	"go.uber.org/zap"

	"intent-bot-backend/internal/dialog"
	"intent-bot-backend/internal/nlu"
	"intent-bot-backend/internal/store"
)

// Intent names as trained in the LUIS application.
const (
	IntentGreeting       = "Greeting"
	IntentTotalAssets    = "Total assets"
	IntentCardBalance    = "Check the bank card Balance"
	IntentModifyPassword = "Modify password"
	IntentAgentTransfer  = "Agent transfer"
	IntentMoneyTransfer  = "Money Transfer"
)

// Register adds every bank dialog and the fallback to b.
func Register(b *dialog.Builder) *dialog.Builder {
	return b.
		Register("GreetingDialog", dialog.MatchIntent(IntentGreeting), greeting).
		Register("TotalAssetsDialog", dialog.MatchIntent(IntentTotalAssets), totalAssets).
		Register("CheckTheBankCardBalance", dialog.MatchIntent(IntentCardBalance), echo(IntentCardBalance)).
		Register("ModifyPassword", dialog.MatchIntent(IntentModifyPassword), echo(IntentModifyPassword)).
		Register("AgentTransfer", dialog.MatchIntent(IntentAgentTransfer), echo(IntentAgentTransfer)).
		Register("MoneyTransfer", dialog.MatchIntent(IntentMoneyTransfer), moneyTransfer).
		Fallback(fallback)
}

// NewRegistry builds the bank dialog registry.
func NewRegistry(threshold float64, log *zap.Logger) *dialog.Registry {
	return Register(dialog.NewBuilder(log)).Build(threshold)
}

func fallback(*store.Session) dialog.Effects {
	return dialog.Effects{}.Send(dialog.DidNotUnderstand)
}

func greeting(sess *store.Session, _ *nlu.Result) dialog.Effects {
	e := dialog.Effects{LogResults: true}
	return e.Send("This is the Greetings intent. You said '%s'.", sess.Message.Text)
}

func totalAssets(sess *store.Session, _ *nlu.Result) dialog.Effects {
	e := dialog.Effects{LogResults: true}
	return e.Send("This is the '%s' intent. You said '%s'.", IntentTotalAssets, sess.Message.Text)
}

// echo acknowledges an intent without logging results.
func echo(intent string) dialog.Handler {
	return func(sess *store.Session, _ *nlu.Result) dialog.Effects {
		return dialog.Effects{}.Send("This is the '%s' intent. You said '%s'.", intent, sess.Message.Text)
	}
}

func moneyTransfer(sess *store.Session, res *nlu.Result) dialog.Effects {
	e := dialog.Effects{LogResults: true}
	e = e.Send("This is the '%s' intent. You said '%s'.", IntentMoneyTransfer, sess.Message.Text)
	if money, ok := res.FindEntity(nlu.EntityCurrency); ok {
		e = e.Send("Found money entity: '%s'", money.Value)
	}
	if name, ok := res.FindEntity(nlu.EntityContactName); ok {
		e = e.Send("Found name entity: '%s'", name.Value)
	}
	return e
}
