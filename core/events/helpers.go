package events

import "settlecore/native/collateral"

func normalizeAsset(asset string) string {
	return collateral.NormalizeSymbol(asset)
}
