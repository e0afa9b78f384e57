package reconciler

import "sentryguard/internal/domain"

// matchedPair is one (DB, exchange) position pair keyed on symbol and
// hold side, the "both sides present" case of the three-way match.
type matchedPair struct {
	db       *domain.Position
	exchange domain.ExchangePosition
}

func holdSideFor(side domain.Side) domain.HoldSide {
	if side == domain.SideSell {
		return domain.HoldSideShort
	}
	return domain.HoldSideLong
}

type matchKey struct {
	symbol   string
	holdSide domain.HoldSide
}

// matchPositions builds the three disjoint cases the per-user loop
// needs: positions present in both the DB and on the exchange,
// positions that exist only on the exchange (orphans), and positions
// that exist only in the DB (possibly already closed).
func matchPositions(dbPositions []*domain.Position, exchangePositions []domain.ExchangePosition) (matched []matchedPair, exchangeOnly []domain.ExchangePosition, dbOnly []*domain.Position) {
	exchangeByKey := make(map[matchKey]domain.ExchangePosition, len(exchangePositions))
	for _, ep := range exchangePositions {
		exchangeByKey[matchKey{symbol: domain.NormalizeSymbol(ep.Symbol), holdSide: ep.HoldSide}] = ep
	}

	seen := make(map[matchKey]bool, len(dbPositions))
	for _, dp := range dbPositions {
		key := matchKey{symbol: domain.NormalizeSymbol(dp.Symbol), holdSide: holdSideFor(dp.Side)}
		seen[key] = true
		if ep, ok := exchangeByKey[key]; ok {
			matched = append(matched, matchedPair{db: dp, exchange: ep})
		} else {
			dbOnly = append(dbOnly, dp)
		}
	}

	for key, ep := range exchangeByKey {
		if !seen[key] {
			exchangeOnly = append(exchangeOnly, ep)
		}
	}

	return matched, exchangeOnly, dbOnly
}
