package conversation

// Service は会話の解決と一覧の集約をまとめて公開する。
type Service struct {
	*Resolver
	*Aggregator
}

// NewService はServiceを生成する。
func NewService(resolver *Resolver, aggregator *Aggregator) *Service {
	return &Service{Resolver: resolver, Aggregator: aggregator}
}
