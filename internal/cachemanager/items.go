package cachemanager

import (
	"schoolcheckin/internal/cache"
	"schoolcheckin/internal/models"
)

func SchoolItems(schools []models.School) []cache.Item {
	items := make([]cache.Item, 0, len(schools))
	for _, s := range schools {
		items = append(items, cache.Item{Key: s.ID, SchoolID: s.ID, Timestamp: s.UpdatedAt, Value: s})
	}
	return items
}

func SessionItems(sessions []models.Session) []cache.Item {
	items := make([]cache.Item, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, cache.Item{
			Key:       s.ID,
			UserID:    s.UserID,
			SchoolID:  s.SchoolID,
			Status:    s.Status,
			Timestamp: s.CheckInTime,
			Value:     s,
		})
	}
	return items
}

func UserItems(users []models.UserProfile) []cache.Item {
	items := make([]cache.Item, 0, len(users))
	for _, u := range users {
		items = append(items, cache.Item{Key: u.ID, UserID: u.ID, Timestamp: u.UpdatedAt, Value: u})
	}
	return items
}

func LocationItems(pings []models.LocationPing) []cache.Item {
	items := make([]cache.Item, 0, len(pings))
	for _, p := range pings {
		items = append(items, cache.Item{Key: p.ID, UserID: p.UserID, Timestamp: p.Location.Timestamp, Value: p})
	}
	return items
}
