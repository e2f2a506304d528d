// Package upgrades registers the schema migrations for the daemon's
// relational store, following the same numbered dbutil.UpgradeTable idiom
// the rest of the mautrix ecosystem uses for its own bridges.
package upgrades

import (
	"context"

	"go.mau.fi/util/dbutil"
)

var Table dbutil.UpgradeTable

func init() {
	Table.Register(-1, 1, 0, "Initial schema", dbutil.TxnModeOn, upgradeInitialSchema)
}

func upgradeInitialSchema(ctx context.Context, db *dbutil.Database) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE taken_action (
			target_user  TEXT    NOT NULL,
			in_room_id   TEXT    NOT NULL,
			action_type  TEXT    NOT NULL,
			policy_list  TEXT    NOT NULL,
			rule_entity  TEXT    NOT NULL,
			action       TEXT    NOT NULL,
			taken_at     BIGINT  NOT NULL,

			PRIMARY KEY (target_user, in_room_id, action_type)
		)
	`)
	return err
}
