package models

// RangeStatistics — сводка за период; полностью пересобирается из дневных записей.
type RangeStatistics struct {
	Subject         string  `json:"subject"`
	From            string  `json:"from"`
	To              string  `json:"to"`
	WorkingDays     int     `json:"working_days"`
	PresentDays     int     `json:"present_days"`
	AbsentDays      int     `json:"absent_days"`
	LateDays        int     `json:"late_days"`
	PunctualDays    int     `json:"punctual_days"`
	WorkedDays      int     `json:"worked_days"`
	TotalWork       int     `json:"total_work_minutes"`
	AttendanceRate  float64 `json:"attendance_rate"`
	PunctualityRate float64 `json:"punctuality_rate"`
	AvgWorkMinutes  float64 `json:"avg_work_minutes"`
}
