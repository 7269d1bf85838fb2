package cdp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mafredri/cdp/protocol/security"

	"cdpnethar/internal/logger"
	"cdpnethar/internal/transport"
)

// certificateGuard 在捕获期间把所有证书错误自动处理为 continue
type certificateGuard struct {
	client transport.Client
	ctx    context.Context
	log    logger.Logger
}

// install 先订阅 certificateError 再开启覆盖，避免两者之间的错误无人应答
func (g *certificateGuard) install(ctx context.Context) (transport.ListenerID, error) {
	id := g.client.On(eventCertificateError, g.handle)
	if _, err := g.client.Send(ctx, methodSecurityEnable, nil, ""); err != nil {
		return id, err
	}
	if _, err := g.client.Send(ctx, methodSetOverrideCertErrors, security.NewSetOverrideCertificateErrorsArgs(true), ""); err != nil {
		return id, err
	}
	return id, nil
}

func (g *certificateGuard) handle(msg transport.Message) {
	var ev security.CertificateErrorReply
	if err := json.Unmarshal(msg.Params, &ev); err != nil {
		g.log.Warn("证书错误事件解析失败", "error", err)
		return
	}
	args := security.NewHandleCertificateErrorArgs(ev.EventID, security.CertificateErrorActionContinue)
	if _, err := g.client.Send(g.ctx, methodHandleCertError, args, ""); err != nil {
		g.log.Err(err, "忽略证书错误失败", "eventId", ev.EventID, "url", ev.RequestURL)
		return
	}
	g.log.Debug("已忽略证书错误", "eventId", ev.EventID, "url", ev.RequestURL)
}

// disable 关闭 Security 域，事件订阅由 Manager 负责移除
func (g *certificateGuard) disable(ctx context.Context) error {
	if _, err := g.client.Send(ctx, methodSecurityDisable, nil, ""); err != nil {
		return fmt.Errorf("security disable: %w", err)
	}
	return nil
}
