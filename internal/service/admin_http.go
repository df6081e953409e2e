package service

import (
	"context"

	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	OperationAdminListCircuits     = "/governance.admin/ListCircuits"
	OperationAdminGetCircuit       = "/governance.admin/GetCircuit"
	OperationAdminOpenCircuit      = "/governance.admin/OpenCircuit"
	OperationAdminCloseCircuit     = "/governance.admin/CloseCircuit"
	OperationAdminTestCircuit      = "/governance.admin/TestCircuit"
	OperationAdminGetWallet        = "/governance.admin/GetWallet"
	OperationAdminCreditTopUp      = "/governance.admin/CreditTopUp"
	OperationAdminGrantFreeCredits = "/governance.admin/GrantFreeCredits"
	OperationAdminSetSubscription  = "/governance.admin/SetSubscription"
	OperationAdminUsageSummary     = "/governance.admin/UsageSummary"
	OperationAdminSimulateUsage    = "/governance.admin/SimulateUsage"
)

// RegisterAdminHTTPServer 注册运维控制面路由
func RegisterAdminHTTPServer(s *http.Server, srv *AdminService) {
	r := s.Route("/admin")
	r.GET("/circuits", handle(OperationAdminListCircuits, bindNone[CircuitScopeRequest], srv.ListCircuits))
	r.GET("/circuits/{scope}", handle(OperationAdminGetCircuit, bindVars[CircuitScopeRequest], srv.GetCircuit))
	r.POST("/circuits/{scope}/open", handle(OperationAdminOpenCircuit, bindBody[OpenCircuitRequest], srv.OpenCircuit))
	r.POST("/circuits/{scope}/close", handle(OperationAdminCloseCircuit, bindBody[CircuitScopeRequest], srv.CloseCircuit))
	r.POST("/circuits/{scope}/test", handle(OperationAdminTestCircuit, bindBody[CircuitScopeRequest], srv.TestCircuit))
	r.GET("/wallets/{user_id}", handle(OperationAdminGetWallet, bindVars[WalletRequest], srv.GetWallet))
	r.POST("/wallets/{user_id}/topups", handle(OperationAdminCreditTopUp, bindBody[CreditTopUpRequest], srv.CreditTopUp))
	r.POST("/wallets/{user_id}/free-credits", handle(OperationAdminGrantFreeCredits, bindBody[WalletRequest], srv.GrantFreeCredits))
	r.PUT("/wallets/{user_id}/subscription", handle(OperationAdminSetSubscription, bindBody[SetSubscriptionRequest], srv.SetSubscription))
	r.GET("/usage/summary", handle(OperationAdminUsageSummary, bindQuery[UsageQueryRequest], srv.UsageSummary))
	r.POST("/usage/simulate", handle(OperationAdminSimulateUsage, bindBody[UsageQueryRequest], srv.SimulateUsage))
}

func bindNone[T any](http.Context) (*T, error) {
	return new(T), nil
}

func bindVars[T any](ctx http.Context) (*T, error) {
	in := new(T)
	if err := ctx.BindVars(in); err != nil {
		return nil, err
	}
	return in, nil
}

func bindQuery[T any](ctx http.Context) (*T, error) {
	in := new(T)
	if err := ctx.BindQuery(in); err != nil {
		return nil, err
	}
	return in, nil
}

// bindBody 空 body 视为空对象，路径参数覆盖 body 中的同名字段
func bindBody[T any](ctx http.Context) (*T, error) {
	in := new(T)
	if ctx.Request().ContentLength != 0 {
		if err := ctx.Bind(in); err != nil {
			return nil, err
		}
	}
	if err := ctx.BindVars(in); err != nil {
		return nil, err
	}
	return in, nil
}

func handle[Req any, Reply any](
	operation string,
	bind func(http.Context) (*Req, error),
	call func(context.Context, *Req) (*Reply, error),
) http.HandlerFunc {
	return func(ctx http.Context) error {
		in, err := bind(ctx)
		if err != nil {
			return err
		}
		http.SetOperation(ctx, operation)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(ctx, req.(*Req))
		})
		out, err := h(ctx, in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}
