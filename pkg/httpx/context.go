package httpx

import "context"

type ctxKey string

const (
	CtxKeyUserID ctxKey = "user_id"
	CtxKeyAMR    ctxKey = "amr"
	CtxKeyClaims ctxKey = "claims"
)

func amrFromCtx(ctx context.Context) []string {
	if v, ok := ctx.Value(CtxKeyAMR).([]string); ok {
		return v
	}
	return nil
}
