package migrate

import "fmt"

// Steps is the bot database history, oldest first. Append only.
var Steps = []Step{
	createIndex("0001_ix_tasks_user_id", "ix_tasks_user_id", "tasks", "user_id"),
	createIndex("0002_ix_diary_entries_user_id", "ix_diary_entries_user_id", "diary_entries", "user_id"),
	createIndex("0003_ix_habits_user_id", "ix_habits_user_id", "habits", "user_id"),
	createIndex("0004_ix_habit_logs_user_id", "ix_habit_logs_user_id", "habit_logs", "user_id"),
	createIndex("0005_ix_habit_logs_habit_id", "ix_habit_logs_habit_id", "habit_logs", "habit_id"),
	createIndex("0006_ix_memory_contexts_user_id", "ix_memory_contexts_user_id", "memory_contexts", "user_id"),
	createIndex("0007_ix_conversations_user_id", "ix_conversations_user_id", "conversations", "user_id"),
	addColumn("0008_habits_reminder_interval_minutes", "habits", "reminder_interval_minutes", "INTEGER"),
	{
		Name: "0009_scheduled_reminders",
		SQL: `CREATE TABLE IF NOT EXISTS scheduled_reminders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id),
	event_id VARCHAR(255) NOT NULL,
	event_title VARCHAR(500) NOT NULL,
	event_time DATETIME NOT NULL,
	remind_at DATETIME NOT NULL,
	minutes_before INTEGER NOT NULL,
	is_sent BOOLEAN DEFAULT 0 NOT NULL,
	sent_at DATETIME,
	job_id VARCHAR(255),
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS ix_scheduled_reminders_user_id ON scheduled_reminders(user_id);
CREATE INDEX IF NOT EXISTS ix_scheduled_reminders_event_id ON scheduled_reminders(event_id);
CREATE INDEX IF NOT EXISTS ix_scheduled_reminders_remind_at ON scheduled_reminders(remind_at);
CREATE INDEX IF NOT EXISTS ix_scheduled_reminders_is_sent ON scheduled_reminders(is_sent);`,
	},
	addColumn("0010_habits_learned_times", "habits", "learned_times", "TEXT"),
	addColumn("0011_habits_last_reminder_adjust", "habits", "last_reminder_adjust", "DATETIME"),
	addColumn("0012_habits_ignored_count", "habits", "ignored_count", "INTEGER DEFAULT 0"),
	addColumn("0013_users_vpn_reminder_3d_sent", "users", "vpn_reminder_3d_sent", "BOOLEAN DEFAULT 0"),
	addColumn("0014_users_vpn_reminder_1d_sent", "users", "vpn_reminder_1d_sent", "BOOLEAN DEFAULT 0"),
	addColumn("0015_subscriptions_reminder_3d_sent", "subscriptions", "reminder_3d_sent", "BOOLEAN DEFAULT 0"),
	addColumn("0016_subscriptions_reminder_1d_sent", "subscriptions", "reminder_1d_sent", "BOOLEAN DEFAULT 0"),
	addColumn("0017_daily_usages_calendar_tasks_created", "daily_usages", "calendar_tasks_created", "INTEGER DEFAULT 0"),
}

// addColumn is guarded so it is recorded without running when the column is
// already there, or when the table does not exist yet (the bot creates it
// with the column on startup).
func addColumn(name, table, column, decl string) Step {
	return Step{
		Name: name,
		SQL:  fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl),
		Guard: fmt.Sprintf("SELECT COUNT(*) = 0 OR SUM(name = %s) > 0 FROM pragma_table_info(%s)",
			quote(column), quote(table)),
	}
}

func createIndex(name, index, table, column string) Step {
	return Step{
		Name: name,
		SQL:  fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", index, table, column),
		Guard: fmt.Sprintf("SELECT NOT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = %s)"+
			" OR EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'index' AND name = %s)",
			quote(table), quote(index)),
	}
}
