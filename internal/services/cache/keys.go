package cache

import "fmt"

// Well-known key builders. Everything the gateway stores in the shared cache
// goes through one of these so the keyspace stays greppable.

func SpendKey(keyID, period string) string {
	return fmt.Sprintf("spend:%s:%s", keyID, period)
}

func RequestWindowKey(keyID, window string) string {
	return fmt.Sprintf("ratelimit:%s:%s", keyID, window)
}

func TokenWindowKey(keyID, window string) string {
	return fmt.Sprintf("ratelimit:tokens:%s:%s", keyID, window)
}

func APIKeyKey(hash string) string {
	return fmt.Sprintf("apikey:%s", hash)
}

func APIKeyReverseKey(keyID string) string {
	return fmt.Sprintf("apikey_reverse:%s", keyID)
}

func APIKeyLastUsedKey(keyID string) string {
	return fmt.Sprintf("apikey_last_used:%s", keyID)
}

func BudgetWarningKey(keyID, period string) string {
	return fmt.Sprintf("budget_warning_logged:%s:%s", keyID, period)
}

func BudgetExceededKey(keyID, period string) string {
	return fmt.Sprintf("budget_exceeded_logged:%s:%s", keyID, period)
}
