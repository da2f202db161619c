// Package all links every batch source format into the parser registry.
package all

import (
	_ "featurestore/internal/parser/csv"
	_ "featurestore/internal/parser/html"
	_ "featurestore/internal/parser/json"
	_ "featurestore/internal/parser/parquet"
)
