package logger

import "testing"

func TestOperationFromSQL(t *testing.T) {
	cases := []struct {
		sql  string
		want string
	}{
		{sql: "SELECT * FROM credit_balances", want: "SELECT"},
		{sql: "  update batch_runs set status = ?", want: "UPDATE"},
		{sql: "INSERT INTO credit_transactions (id) VALUES (?)", want: "INSERT"},
		{sql: "", want: "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := operationFromSQL(tc.sql); got != tc.want {
			t.Fatalf("operationFromSQL(%q) = %q, want %q", tc.sql, got, tc.want)
		}
	}
}
