package health

type MockHealthChecker struct {
	EngineOk bool
	DbOk     bool
	QueueOk  bool
}

func (m MockHealthChecker) IsEngineOK() (string, bool) {
	if m.EngineOk {
		return "ok", true
	}
	return "aggregation engine loop has stopped", false
}

func (m MockHealthChecker) IsDatabaseOK() (string, bool) {
	return "", m.DbOk
}

func (m MockHealthChecker) IsQueueOK() (string, bool) {
	return "", m.QueueOk
}
