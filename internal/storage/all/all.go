// Package all links every online store backend into the storage registry.
package all

import (
	_ "featurestore/internal/storage/mongodb"
	_ "featurestore/internal/storage/mssql"
	_ "featurestore/internal/storage/mysql"
	_ "featurestore/internal/storage/postgres"
	_ "featurestore/internal/storage/sqlite"
)
